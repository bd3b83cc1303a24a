package orchestrator

import (
	"context"
	"time"

	"github.com/wonny/aegis/intraday/internal/contracts"
	"github.com/wonny/aegis/intraday/internal/execution"
	"github.com/wonny/aegis/intraday/internal/state"
)

// PaperAccount simulates broker funds: starting capital plus the ledger's
// realized PnL plus open unrealized PnL. Margins are left for the risk
// manager to estimate.
type PaperAccount struct {
	capital float64
	repo    contracts.TradingStore
	book    *state.Book
}

// NewPaperAccount creates a paper account
func NewPaperAccount(capital float64, repo contracts.TradingStore, book *state.Book) *PaperAccount {
	return &PaperAccount{capital: capital, repo: repo, book: book}
}

// Account implements AccountSource
func (a *PaperAccount) Account(ctx context.Context) (contracts.Account, error) {
	realized, err := a.repo.RealizedPnLSince(ctx, time.Time{})
	if err != nil {
		return contracts.Account{}, err
	}
	var unrealized float64
	for _, p := range a.book.OpenPositions() {
		unrealized += p.UnrealizedPnL
	}
	return contracts.Account{
		NetLiquid: a.capital + realized + unrealized,
		FetchedAt: time.Now(),
	}, nil
}

// RoutedAccount follows the engine's routing: paper funds while paper
// trading, broker funds once switched to live
type RoutedAccount struct {
	mode  func() execution.Mode
	paper AccountSource
	live  AccountSource
}

// NewRoutedAccount creates an account that picks its source per call
func NewRoutedAccount(mode func() execution.Mode, paper, live AccountSource) *RoutedAccount {
	return &RoutedAccount{mode: mode, paper: paper, live: live}
}

// Account implements AccountSource
func (a *RoutedAccount) Account(ctx context.Context) (contracts.Account, error) {
	if a.mode() == execution.ModeLive && a.live != nil {
		return a.live.Account(ctx)
	}
	return a.paper.Account(ctx)
}
