package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"grantline/internal/app"
	"grantline/internal/config"
	"grantline/internal/db"
	"grantline/internal/domain"
	"grantline/internal/engine"
	"grantline/internal/engine/auth"
	"grantline/internal/repo"
	"grantline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "gl",
	Short: "Grantline CLI",
	Long: `Grantline manages benefit applications, their documents, and contracted
work payments.
- Applications move through a reviewed lifecycle; documents may only be
  registered while an application is waiting for them.
- Documents are fetched through short-lived download tokens, never by their
  storage reference.
- Approved contracted work is queried as payment records with filtering,
  sorting, and pagination.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
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
	viper.SetEnvPrefix("GRANTLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-admin", "actor identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(applicationCmd())
	rootCmd.AddCommand(workCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(serveCmd())
}

// The CLI runs against the local workspace database with operator privilege.
func cliCredential() auth.Credential {
	return auth.Admin{Subject: viper.GetString("actor-id")}
}

func applicationCmd() *cobra.Command {
	a := &cobra.Command{
		Use:   "application",
		Short: "Manage applications",
		Long:  "Applications flow NOT_STARTED -> IN_REVIEW -> WAIT_FOR_DOCS -> DOC_SUBMITTED -> FIRST_PAY_APPROVED -> SECOND_PAY_APPROVED, with REJECTED and WITHDRAWN as exits.",
	}
	a.AddCommand(applicationCreateCmd())
	a.AddCommand(applicationListCmd())
	a.AddCommand(applicationShowCmd())
	a.AddCommand(applicationStatusCmd())
	a.AddCommand(applicationHistoryCmd())
	return a
}

func applicationCreateCmd() *cobra.Command {
	var opts engine.ApplicationCreateOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an application",
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.CompanyName == "" {
				return fmt.Errorf("--company required")
			}
			opts.ActorID = viper.GetString("actor-id")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.CreateApplication(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&opts.GUID, "guid", "", "application guid (random if omitted)")
	cmd.Flags().StringVar(&opts.CompanyName, "company", "", "company name")
	_ = cmd.MarkFlagRequired("company")
	return cmd
}

func applicationListCmd() *cobra.Command {
	var f repo.ApplicationFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List applications",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListApplications(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "GUID", "Company", "Status", "Submitted"})
				for _, a := range items {
					tw.AppendRow(table.Row{a.ID, a.GUID, a.CompanyName, a.Status, a.SubmittedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.CompanyName, "company", "", "company name filter")
	return cmd
}

func applicationShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <guid>",
		Short: "Show an application with its documents",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			guid := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.Repo.GetApplication(ctx, guid)
				if err != nil {
					return err
				}
				docs, err := e.Repo.ListDocuments(ctx, guid)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{
					"application": a,
					"documents":   docs,
				})
			})
		},
	}
	return cmd
}

func applicationStatusCmd() *cobra.Command {
	var status, note string
	cmd := &cobra.Command{
		Use:   "set-status <guid>",
		Short: "Advance an application's status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			guid := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.AdvanceStatus(ctx, guid, status, note, cliCredential())
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "new status")
	cmd.Flags().StringVar(&note, "note", "", "note recorded with the change")
	_ = cmd.MarkFlagRequired("status")
	return cmd
}

func applicationHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history <guid>",
		Short: "Show an application's status history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			guid := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if _, err := e.Repo.GetApplication(ctx, guid); err != nil {
					return err
				}
				items, err := e.Repo.ListStatusChanges(ctx, guid)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Status", "Actor", "Note", "At"})
				for _, sc := range items {
					tw.AppendRow(table.Row{sc.Status, sc.ActorID, sc.Note, sc.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func workCmd() *cobra.Command {
	w := &cobra.Command{
		Use:   "work",
		Short: "Query contracted work payment records",
	}
	w.AddCommand(workListCmd())
	w.AddCommand(workSetPaymentCmd())
	return w
}

func workListCmd() *cobra.Command {
	var q engine.WorkQuery
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List approved contracted work payment records",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				page, err := e.ListApprovedWork(ctx, q)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(page)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Work ID", "App ID", "Well Auth", "Type", "Interim", "Final"})
				for _, r := range page.Records {
					tw.AppendRow(table.Row{r.WorkID, r.ApplicationID, r.WellAuthorizationNumber, r.ContractedWorkType, r.InterimPaymentStatusCode, r.FinalPaymentStatusCode})
				}
				tw.Render()
				fmt.Printf("page %d/%d (%d records)\n", page.CurrentPage, page.TotalPages, page.Total)
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&q.ApplicationID, "application-id", 0, "application id filter")
	cmd.Flags().StringVar(&q.WorkID, "work-id", "", "work id filter (exact)")
	cmd.Flags().StringVar(&q.WellAuthorizationNumber, "well", "", "well authorization number filter")
	cmd.Flags().StringArrayVar(&q.ContractedWorkTypes, "type", []string{}, "contracted work type (repeatable)")
	cmd.Flags().StringArrayVar(&q.InterimStatusCodes, "interim-status", []string{}, "interim payment status code (repeatable)")
	cmd.Flags().StringArrayVar(&q.FinalStatusCodes, "final-status", []string{}, "final payment status code (repeatable)")
	cmd.Flags().StringVar(&q.SortField, "sort-field", "", "sort field")
	cmd.Flags().StringVar(&q.SortDir, "sort-dir", "asc", "sort direction (asc, desc)")
	cmd.Flags().IntVar(&q.Page, "page", 0, "page number (1-based)")
	cmd.Flags().IntVar(&q.PerPage, "per-page", 0, "records per page")
	return cmd
}

func workSetPaymentCmd() *cobra.Command {
	var guid string
	var p domain.WorkPayment
	var interimAmount, finalAmount float64
	cmd := &cobra.Command{
		Use:   "set-payment <work-id>",
		Short: "Record a contracted work payment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p.WorkID = args[0]
			if guid == "" {
				return fmt.Errorf("--application required")
			}
			if cmd.Flags().Changed("interim-amount") {
				p.InterimApprovedAmount = &interimAmount
			}
			if cmd.Flags().Changed("final-amount") {
				p.FinalApprovedAmount = &finalAmount
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.RecordWorkPayment(ctx, guid, p, cliCredential()); err != nil {
					return err
				}
				records, err := e.ApprovedWork(ctx, guid, cliCredential())
				if err != nil {
					return err
				}
				return printJSONOrTable(records)
			})
		},
	}
	cmd.Flags().StringVar(&guid, "application", "", "application guid")
	cmd.Flags().StringVar(&p.InterimPaymentStatusCode, "interim-status", "", "interim payment status code")
	cmd.Flags().StringVar(&p.FinalPaymentStatusCode, "final-status", "", "final payment status code")
	cmd.Flags().Float64Var(&interimAmount, "interim-amount", 0, "interim approved amount")
	cmd.Flags().Float64Var(&finalAmount, "final-amount", 0, "final approved amount")
	_ = cmd.MarkFlagRequired("application")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect workspace config",
	}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show loaded config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSONOrTable(cfg)
		},
	}
	return cmd
}

func configValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate grantline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := config.Load(viper.GetString("workspace"))
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	l := &cobra.Command{
		Use:   "log",
		Short: "Event log",
	}
	l.AddCommand(logTailCmd())
	return l
}

func logTailCmd() *cobra.Command {
	var n int
	var guid, evtType string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail recent events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.Repo.LatestEvents(ctx, n, guid, evtType)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&guid, "application", "", "application guid filter")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	return cmd
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := app.Open(viper.GetString("workspace"), false)
			if err != nil {
				return err
			}
			defer c.Close()
			fmt.Println("database up to date at", db.Path(viper.GetString("workspace")))
			return nil
		},
	}
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := app.Open(viper.GetString("workspace"), true)
			if err != nil {
				return err
			}
			defer c.Close()
			if addr == "" {
				addr = c.Config.Server.Addr
			}
			if basePath == "" {
				basePath = c.Config.Server.BasePath
			}
			jwtSecret := c.Config.Auth.JWTSecret
			if env := os.Getenv("GRANTLINE_JWT_SECRET"); env != "" {
				jwtSecret = env
			}
			if jwtSecret == "" {
				return fmt.Errorf("GRANTLINE_JWT_SECRET (or auth.jwt_secret) is required for bearer auth")
			}
			handler, err := server.New(server.Config{
				Engine:   c.Engine,
				Tokens:   c.Tokens,
				OTP:      c.OTP,
				Store:    c.Store,
				BasePath: basePath,
				Auth:     server.AuthConfig{JWTSecret: jwtSecret},
			})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Grantline API on http://%s%s (OpenAPI at %s/openapi.json)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (default from config)")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	c, err := app.Open(viper.GetString("workspace"), false)
	if err != nil {
		return err
	}
	defer c.Close()
	return fn(ctx, c.Engine)
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
