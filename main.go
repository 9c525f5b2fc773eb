package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"lanchat/config"
	"lanchat/control"
	"lanchat/db"
	"lanchat/logger"
	"lanchat/protocol"
	"lanchat/server"
)

// Set at build time.
var version = "dev"

func main() {
	root := &cobra.Command{
		Use:           "lanchat",
		Short:         "LAN chat server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(serveCmd(), statsCmd(), shutdownCmd(), versionCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%s %s\n", color.RedString("Error:"), err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	var addr, dsn, adminAddr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the chat server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.ListenAddr = addr
			}
			if dsn != "" {
				cfg.DSN = dsn
			}
			if adminAddr != "" {
				cfg.AdminAddr = adminAddr
			}
			return serve(cfg)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides LANCHAT_ADDR)")
	cmd.Flags().StringVar(&dsn, "db", "", "database DSN (overrides LANCHAT_DB_DSN)")
	cmd.Flags().StringVar(&adminAddr, "admin-addr", "", "admin HTTP address (overrides LANCHAT_ADMIN_ADDR)")
	return cmd
}

func serve(cfg *config.Config) error {
	log := logger.Init(cfg.LogLevel, cfg.LogFormat)

	policy, err := protocol.ParsePolicy(cfg.DecoderPolicy)
	if err != nil {
		return err
	}

	store, err := db.Open(cfg.DBDriver, cfg.DSN,
		db.WithBcryptCost(cfg.BcryptCost),
		db.WithCompanyGroup(cfg.CompanyGroup),
	)
	if err != nil {
		logger.Fatal(log, "failed to initialize database", "driver", cfg.DBDriver, "error", err)
	}
	defer store.Close()
	log.Info("database ready", "driver", cfg.DBDriver)

	srv := server.New(store, server.ServerConfig{
		Addr:           cfg.ListenAddr,
		PollInterval:   cfg.PollInterval,
		WriteTimeout:   cfg.WriteTimeout,
		SessionTTL:     cfg.SessionTTL,
		TypingTTL:      cfg.TypingTTL,
		SweepInterval:  cfg.SweepInterval,
		MaxFileSize:    int64(cfg.MaxFileSize),
		MaxAvatarSize:  int64(cfg.MaxAvatarSize),
		MaxFrameSize:   cfg.MaxFrameSize,
		MaxConnections: cfg.MaxConnections,
		DecoderPolicy:  policy,
		SendQueueSize:  cfg.SendQueueSize,
	}, server.WithLogger(log))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.ControlSocket != "" {
		ctl := control.NewServer(cfg.ControlSocket, srv, log)
		go func() {
			if err := ctl.ListenAndServe(ctx); err != nil {
				log.Error("control socket stopped", "error", err)
			}
		}()
	}

	if cfg.AdminAddr != "" {
		admin := &http.Server{
			Addr:              cfg.AdminAddr,
			Handler:           srv.AdminHandler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			log.Info("admin http listening", "addr", cfg.AdminAddr)
			if err := admin.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("admin http stopped", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			admin.Shutdown(shutdownCtx)
		}()
	}

	return srv.Start(ctx)
}

func statsCmd() *cobra.Command {
	var socket string
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Print statistics of a running server",
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := control.Send(socketPath(socket), control.CmdStats)
			if err != nil {
				return err
			}
			fmt.Println(out)
			return nil
		},
	}
	cmd.Flags().StringVar(&socket, "socket", "", "control socket path")
	return cmd
}

func shutdownCmd() *cobra.Command {
	var socket, reason string
	cmd := &cobra.Command{
		Use:   "shutdown",
		Short: "Stop a running server",
		RunE: func(cmd *cobra.Command, args []string) error {
			command := control.CmdShutdown
			if reason != "" {
				command += "|" + reason
			}
			out, err := control.Send(socketPath(socket), command)
			if err != nil {
				return err
			}
			fmt.Println(color.GreenString(out))
			return nil
		},
	}
	cmd.Flags().StringVar(&socket, "socket", "", "control socket path")
	cmd.Flags().StringVar(&reason, "reason", "", "shutdown reason recorded in the server log")
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("lanchat", version)
		},
	}
}

// socketPath falls back to the configured control socket.
func socketPath(flag string) string {
	if flag != "" {
		return flag
	}
	if cfg, err := config.Load(); err == nil {
		return cfg.ControlSocket
	}
	return config.Default().ControlSocket
}
