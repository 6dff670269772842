package cli

import (
	"fmt"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/testsmith-ai/testsmith/internal/api"
)

func init() {
	serveCmd.Flags().StringVar(&serveHost, "host", "", "Host to listen on (overrides config)")
	serveCmd.Flags().IntVar(&servePort, "port", 0, "Port to listen on (overrides config)")
	rootCmd.AddCommand(serveCmd)
}

var (
	serveHost string
	servePort int
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the status API server",
	Long:  `Serve run state (slots, timers, checkpoints) and Prometheus metrics over HTTP.`,
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	eng, err := newEngine()
	if err != nil {
		return err
	}
	defer eng.Close()

	host := eng.cfg.API.Host
	if serveHost != "" {
		host = serveHost
	}
	port := eng.cfg.API.Port
	if servePort > 0 {
		port = servePort
	}

	srv := api.NewServer(eng.slots, eng.sched, eng.store)
	addr := fmt.Sprintf("%s:%d", host, port)
	fmt.Printf("Listening on http://%s\n", addr)
	return http.ListenAndServe(addr, srv.Handler())
}
