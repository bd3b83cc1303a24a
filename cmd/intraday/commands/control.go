package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/wonny/aegis/intraday/internal/orchestrator"
	"github.com/wonny/aegis/intraday/pkg/config"
	"github.com/wonny/aegis/intraday/pkg/httputil"
	"github.com/wonny/aegis/intraday/pkg/logger"
)

const controlTimeout = 60 * time.Second

// statusCmd represents the status command
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "실행 중인 인스턴스 상태 조회",
	Long: `제어 API로 인스턴스 상태를 조회합니다.

표시 정보:
- 모드 (paper/live), 리더 여부
- 일시정지 사유, 킬스위치
- 보유 포지션, 미체결 주문 수
- 포트폴리오 리스크 스냅샷

Example:
  go run ./cmd/intraday status
  go run ./cmd/intraday status --addr http://10.0.0.5:8089`,
	RunE: runStatus,
}

var pauseCmd = &cobra.Command{
	Use:   "pause",
	Short: "신규 진입 중지 (청산 관리는 계속)",
	RunE:  runPause,
}

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "일시정지 및 킬스위치 해제",
	RunE:  runResume,
}

var flattenCmd = &cobra.Command{
	Use:   "flatten",
	Short: "킬스위치: 거래 중지 후 전 포지션 시장가 청산",
	RunE:  runFlatten,
}

var modeCmd = &cobra.Command{
	Use:       "mode [paper|live]",
	Short:     "주문 라우팅 전환 (포지션이 없을 때만)",
	Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	ValidArgs: []string{config.ModePaper, config.ModeLive},
	RunE:      runMode,
}

var (
	pauseReason   string
	flattenReason string
)

func init() {
	rootCmd.AddCommand(statusCmd, pauseCmd, resumeCmd, flattenCmd, modeCmd)

	pauseCmd.Flags().StringVar(&pauseReason, "reason", "operator", "일시정지 사유")
	flattenCmd.Flags().StringVar(&flattenReason, "reason", "operator flatten", "청산 사유")
}

// controlClient talks to a running instance's control API
type controlClient struct {
	http *httputil.Client
	base string
}

func newControlClient() (*controlClient, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	base := apiAddr
	if base == "" {
		base = "http://localhost:" + cfg.Port
	}
	log := logger.New(cfg).WithComponent("cli")
	// control POSTs are never replayed by httputil
	return &controlClient{
		http: httputil.NewWithTimeout(cfg, log, controlTimeout),
		base: strings.TrimRight(base, "/"),
	}, nil
}

func (c *controlClient) get(ctx context.Context, path string, out interface{}) error {
	resp, err := c.http.Get(ctx, c.base+path)
	if err != nil {
		return err
	}
	return httputil.DecodeJSON(resp, out)
}

func (c *controlClient) post(ctx context.Context, path string, body, out interface{}) error {
	resp, err := c.http.PostJSON(ctx, c.base+path, body)
	if err != nil {
		return err
	}
	return httputil.DecodeJSON(resp, out)
}

func runStatus(cmd *cobra.Command, args []string) error {
	c, err := newControlClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), controlTimeout)
	defer cancel()

	var st orchestrator.Status
	if err := c.get(ctx, "/api/status", &st); err != nil {
		return fmt.Errorf("❌ status: %w", err)
	}
	printStatus(st)
	return nil
}

func runPause(cmd *cobra.Command, args []string) error {
	return postAndPrint(cmd, "/api/pause", map[string]string{"reason": pauseReason})
}

func runResume(cmd *cobra.Command, args []string) error {
	return postAndPrint(cmd, "/api/resume", nil)
}

func runMode(cmd *cobra.Command, args []string) error {
	return postAndPrint(cmd, "/api/mode", map[string]string{"mode": args[0]})
}

func runFlatten(cmd *cobra.Command, args []string) error {
	c, err := newControlClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), controlTimeout)
	defer cancel()

	var report orchestrator.FlattenReport
	if err := c.post(ctx, "/api/flatten", map[string]string{"reason": flattenReason}, &report); err != nil {
		return fmt.Errorf("❌ flatten: %w", err)
	}
	fmt.Printf("✅ Kill switch engaged (%s)\n", report.Reason)
	fmt.Printf("   Cancelled entries: %d\n", report.CancelledEntries)
	fmt.Printf("   Closed positions:  %d\n", len(report.ClosedPositions))
	for _, e := range report.Errors {
		fmt.Printf("   ⚠️  %s\n", e)
	}
	return nil
}

func postAndPrint(cmd *cobra.Command, path string, body interface{}) error {
	c, err := newControlClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), controlTimeout)
	defer cancel()

	if body == nil {
		body = map[string]string{}
	}
	var st orchestrator.Status
	if err := c.post(ctx, path, body, &st); err != nil {
		return fmt.Errorf("❌ %s: %w", strings.TrimPrefix(path, "/api/"), err)
	}
	printStatus(st)
	return nil
}

func printStatus(st orchestrator.Status) {
	fmt.Printf("=== Instance %s ===\n", st.InstanceID)
	fmt.Printf("Mode:            %s\n", st.Mode)
	fmt.Printf("Leader:          %v (%s)\n", st.Leader, st.LeaderState)
	fmt.Printf("Trading allowed: %v\n", st.TradingAllowed)
	if st.KillSwitch {
		fmt.Println("Kill switch:     ENGAGED")
	}
	for reason, msg := range st.PauseReasons {
		fmt.Printf("Paused (%s):  %s\n", reason, msg)
	}
	fmt.Printf("Open positions:  %d\n", len(st.OpenPositions))
	fmt.Printf("Working orders:  %d\n", st.WorkingOrders)
	if p := st.Portfolio; p != nil {
		fmt.Printf("Net liquid:      %.2f (day start %.2f)\n", p.NetLiquid, p.DayStartCapital)
		fmt.Printf("Daily PnL:       %.2f (limit %.2f)\n", p.DailyPnL, p.DailyLossLimit)
	}
	if !st.LastCycle.IsZero() {
		fmt.Printf("Last cycle:      %s\n", st.LastCycle.Format(time.RFC3339))
	}

	if len(st.OpenPositions) > 0 {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		enc.Encode(st.OpenPositions)
	}
}
