// Command hookline boots the work-order marketplace service: the HTTP API,
// the deadline sweeper, and the supporting CLI for inspecting state without
// going through the HTTP surface. Grounded on the teacher CLI's cobra/viper
// bootstrap (cmd/wl/main.go: persistent flags, PersistentPreRunE workspace
// setup, serveCmd's graceful-shutdown HTTP server).
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"hookline/internal/config"
	"hookline/internal/db"
	"hookline/internal/engine"
	"hookline/internal/eventbus"
	"hookline/internal/migrate"
	"hookline/internal/paymentchannel"
	"hookline/internal/server"
	"hookline/internal/session"
	"hookline/internal/signature"
	"hookline/internal/store"
	"hookline/internal/sweeper"
	"hookline/internal/verifierclient"
)

var rootCmd = &cobra.Command{
	Use:   "hookline",
	Short: "Hookline work-order marketplace",
	Long: `Hookline runs a verifiable task marketplace for decentralized-exchange hook
modules: requesters post work orders, solvers bid and deliver, an external
verifier checks deliveries against milestones, and challengers can dispute a
pass within a fixed window. This binary serves the HTTP API and also offers a
read-only CLI for inspecting marketplace state from the same sqlite database.`,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("HOOKLINE")
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(workOrdersCmd())
	rootCmd.AddCommand(solversCmd())
}

func loadConfigOrExit() config.Config {
	cfg, err := config.Load()
	if err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
	return cfg
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server and background deadline sweeper",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfigOrExit()
			logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
			slog.SetDefault(logger)

			sqlDB, err := db.Open(db.Config{DataDir: cfg.DataDir})
			if err != nil {
				return err
			}
			defer sqlDB.Close()
			if err := migrate.Migrate(sqlDB); err != nil {
				return fmt.Errorf("applying migrations: %w", err)
			}

			st := store.New(sqlDB)

			bus, err := eventbus.Open(filepath.Join(cfg.DataDir, "events.jsonl"), logger)
			if err != nil {
				return fmt.Errorf("opening event log: %w", err)
			}
			defer bus.Close()

			adapter, err := buildAdapter(cfg)
			if err != nil {
				return err
			}
			sessions := session.New(adapter, session.DefaultConfig())

			sigDomain := signature.Domain{
				Name:              cfg.SignatureDomainName,
				Version:           cfg.SignatureDomainVersion,
				ChainID:           cfg.ChainID,
				VerifyingContract: cfg.VerifyingContract,
			}
			verifier := signature.New(sigDomain)
			vc := verifierclient.New(cfg.VerifierURL)

			eng := engine.New(st, bus, sessions, verifier, vc, engine.Config{
				Windows: engine.Windows{
					Bidding:   cfg.BiddingWindow,
					Delivery:  cfg.DeliveryWindow,
					Verify:    cfg.VerifyWindow,
					Challenge: time.Duration(cfg.ChallengeDurationSeconds) * time.Second,
					Patch:     cfg.PatchWindow,
				},
				MilestoneSplits: cfg.MilestoneSplits,
				DemoActions:     cfg.DemoActions,
			})

			sw := sweeper.New(st, eng, cfg.SweepInterval, logger)
			sweepCtx, stopSweep := context.WithCancel(context.Background())
			defer stopSweep()
			go sw.Run(sweepCtx)

			handler, err := server.New(server.Config{
				Engine: eng,
				Store:  st,
				Events: bus,
				Config: cfg,
				Auth:   server.AuthConfig{JWTSecret: cfg.JWTSecret, Logger: logger},
				Logger: logger,
			})
			if err != nil {
				return err
			}

			addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				stopSweep()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()

			logger.Info("hookline: serving", "addr", addr, "assetMode", cfg.AssetMode)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	return cmd
}

func buildAdapter(cfg config.Config) (paymentchannel.Adapter, error) {
	switch cfg.AssetMode {
	case config.AssetModeReal:
		if cfg.AdapterURL == "" {
			return nil, fmt.Errorf("ASSET_MODE=real requires adapter_url to be set")
		}
		return paymentchannel.NewReal(paymentchannel.RealConfig{
			BaseURL:    cfg.AdapterURL,
			PrivateKey: cfg.AdapterPrivateKey,
		}), nil
	default:
		return paymentchannel.NewMock(), nil
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending sqlite schema migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfigOrExit()
			sqlDB, err := db.Open(db.Config{DataDir: cfg.DataDir})
			if err != nil {
				return err
			}
			defer sqlDB.Close()
			if err := migrate.Migrate(sqlDB); err != nil {
				return err
			}
			fmt.Println("migrations applied")
			return nil
		},
	}
	return cmd
}

func withStore(fn func(context.Context, *store.Store) error) error {
	cfg := loadConfigOrExit()
	sqlDB, err := db.Open(db.Config{DataDir: cfg.DataDir})
	if err != nil {
		return err
	}
	defer sqlDB.Close()
	if err := migrate.Migrate(sqlDB); err != nil {
		return err
	}
	return fn(context.Background(), store.New(sqlDB))
}

func workOrdersCmd() *cobra.Command {
	wo := &cobra.Command{Use: "work-orders", Short: "Inspect work orders"}
	wo.AddCommand(workOrdersListCmd())
	wo.AddCommand(workOrdersGetCmd())
	return wo
}

func workOrdersListCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List work orders",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(ctx context.Context, st *store.Store) error {
				items, err := st.ListWorkOrders(ctx, status)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Status", "Bounty", "Selected Solver"})
				for _, w := range items {
					solver := ""
					if w.Selection.SelectedSolverID != nil {
						solver = *w.Selection.SelectedSolverID
					}
					tw.AppendRow(table.Row{w.ID, w.Title, w.Status, w.Bounty.Currency + " " + w.Bounty.Amount, solver})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	return cmd
}

func workOrdersGetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Show one work order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(ctx context.Context, st *store.Store) error {
				wo, err := st.GetWorkOrder(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(wo)
			})
		},
	}
	return cmd
}

func solversCmd() *cobra.Command {
	s := &cobra.Command{Use: "solvers", Short: "Inspect solver reputation"}
	s.AddCommand(solversListCmd())
	return s
}

func solversListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List solver track records and reputation scores",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(ctx context.Context, st *store.Store) error {
				items, err := st.ListSolverStats(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Address", "Quotes", "Won", "Delivered OK", "Delivered Failed", "Challenges Won/Against"})
				for _, st := range items {
					tw.AppendRow(table.Row{st.Address, st.QuotesSubmitted, st.QuotesWon, st.DeliveriesSucceeded, st.DeliveriesFailed, fmt.Sprintf("%d/%d", st.ChallengesWon, st.ChallengesAgainst)})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
