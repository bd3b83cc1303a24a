package commands

import (
	"github.com/spf13/cobra"
)

var (
	// Global flags
	apiAddr string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "intraday",
	Short: "Aegis intraday - 주문 실행 및 리스크 제어 엔진",
	Long: `Aegis Intraday Execution Engine

신호 → 리스크 검증 → 진입 주문 → OCO 보호 주문 → 청산 관리.
리더 인스턴스만 주문을 낼 수 있습니다.

Usage:
  go run ./cmd/intraday [command]

Examples:
  go run ./cmd/intraday run --mode paper
  go run ./cmd/intraday run --standby
  go run ./cmd/intraday status
  go run ./cmd/intraday flatten --reason "broker outage"
  go run ./cmd/intraday db ping`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&apiAddr, "addr", "", "control API of the running instance (default http://localhost:$PORT)")
}
