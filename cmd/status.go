package cmd

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/Davincible/claude-proxy-go/internal/process"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show proxy service status",
	Long:  `Display the current status of the protocol-translating proxy service.`,
	Run:   runStatus,
}

func runStatus(_ *cobra.Command, _ []string) {
	procMgr := process.NewManager(baseDir)
	cfg := cfgMgr.Get()

	running := procMgr.IsRunning()
	pid := procMgr.ReadPID()
	refs := procMgr.ReadRef()

	color.Blue("Status for %s:", AppName)
	fmt.Printf("  %-18s: %v\n", "Running", running)
	fmt.Printf("  %-18s: %d\n", "PID", pid)

	if cfg != nil {
		fmt.Printf("  %-18s: %s\n", "Host", cfg.Host)
		fmt.Printf("  %-18s: %d\n", "Port", cfg.Port)
		fmt.Printf("  %-18s: %s\n", "Endpoint", endpointURL(cfg))
		fmt.Printf("  %-18s: %s\n", "Preferred Provider", cfg.Router.PreferredProvider)
		fmt.Printf("  %-18s: %s\n", "Big Model", cfg.Router.BigModel)
		fmt.Printf("  %-18s: %s\n", "Small Model", cfg.Router.SmallModel)
	}

	fmt.Printf("  %-18s: %s\n", "Config Path", cfgMgr.GetPath())
	fmt.Printf("  %-18s: %d\n", "References", refs)
	fmt.Printf("  %-18s: v%s\n", "Version", Version)
}
