package execution

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"strings"

	"github.com/wonny/aegis/intraday/internal/contracts"
)

// ClientOrderIDLength fits the broker's 20-character order tag
const ClientOrderIDLength = 20

// ClientOrderID derives the deterministic id of an entry order.
// Identical signal, quantity and config fingerprint always give the same id,
// which is what makes re-submitting a signal a no-op.
func ClientOrderID(sig *contracts.Signal, quantity int, fingerprint string, decimals int) string {
	parts := []string{
		"entry",
		strings.ToUpper(sig.Exchange),
		strings.ToUpper(sig.Symbol),
		string(sig.Side),
		roundPrice(sig.Entry, decimals),
		roundPrice(sig.StopLoss, decimals),
		roundPrice(sig.TakeProfit1, decimals),
		roundPrice(sig.TakeProfit2, decimals),
		fmt.Sprintf("%d", quantity),
		sig.StrategyName,
		fingerprint,
	}
	return digest(parts)
}

// ChildOrderID derives a protective leg id from the group and tag.
// generation distinguishes re-armed stops of the same group.
func ChildOrderID(fingerprint, groupID string, tag contracts.OrderTag, generation int) string {
	return digest([]string{"child", fingerprint, groupID, string(tag), fmt.Sprintf("%d", generation)})
}

// ExitOrderID derives the id of a market close for a position.
// attempt lets a new close be issued after a previous one was rejected.
func ExitOrderID(fingerprint, positionID string, attempt int) string {
	return digest([]string{"exit", fingerprint, positionID, fmt.Sprintf("%d", attempt)})
}

// GroupID derives the OCO group id of an entry order
func GroupID(entryClientOrderID string) string {
	return "G" + entryClientOrderID[:ClientOrderIDLength-1]
}

func digest(parts []string) string {
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])[:ClientOrderIDLength]
}

func roundPrice(p float64, decimals int) string {
	if decimals < 0 {
		decimals = 2
	}
	scale := math.Pow(10, float64(decimals))
	return fmt.Sprintf("%.*f", decimals, math.Round(p*scale)/scale)
}
