package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"modelbay/internal/blob"
	"modelbay/internal/config"
	"modelbay/internal/db"
	"modelbay/internal/domain"
	"modelbay/internal/lifecycle"
	"modelbay/internal/migrate"
	"modelbay/internal/server"
	"modelbay/internal/service"
	"modelbay/internal/store/sqlite"
)

var rootCmd = &cobra.Command{
	Use:   "modelbay",
	Short: "ModelBay CLI",
	Long: `ModelBay runs escrow-backed projects for 3D model deliverables.
A buyer funds a project, the seller uploads the model file, and the file
only unlocks for download once both parties approve. Every step lands in
an append-only activity log.`,
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
	viper.SetEnvPrefix("MODELBAY")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
}

func registerCommands() {
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(activityCmd())
	rootCmd.AddCommand(userCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(serveCmd())
}

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Manage escrow projects"}
	prj.AddCommand(projectListCmd())
	prj.AddCommand(projectCreateCmd())
	prj.AddCommand(projectShowCmd())
	prj.AddCommand(projectUpdateCmd())
	prj.AddCommand(projectDepositCmd())
	prj.AddCommand(projectUploadCmd())
	prj.AddCommand(projectApproveCmd())
	prj.AddCommand(projectReviseCmd())
	prj.AddCommand(projectSellerApproveCmd())
	prj.AddCommand(projectDownloadCmd())
	return prj
}

func projectListCmd() *cobra.Command {
	var participant string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd.Context(), func(ctx context.Context, svc *service.Service) error {
				items, err := svc.ListProjects(ctx, participant)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Status", "Payment", "Buyer", "Seller", "Amount"})
				for _, p := range items {
					seller := ""
					if p.SellerEmail != nil {
						seller = *p.SellerEmail
					}
					tw.AppendRow(table.Row{p.ID, p.Title, p.Status, p.PaymentStatus, p.BuyerEmail, seller,
						fmt.Sprintf("%.2f %s", p.Amount, p.Currency)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&participant, "participant", "", "filter by buyer or seller email")
	return cmd
}

func projectCreateCmd() *cobra.Command {
	var title, desc, currency, buyer, seller, createdBy, deadline string
	var amount float64
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create project",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd.Context(), func(ctx context.Context, svc *service.Service) error {
				p, err := svc.CreateProject(ctx, service.CreateProjectInput{
					Title:       title,
					Description: desc,
					Amount:      amount,
					Currency:    currency,
					BuyerEmail:  buyer,
					SellerEmail: seller,
					CreatedBy:   domain.Party(createdBy),
					Deadline:    deadline,
				})
				if err != nil {
					return err
				}
				return printJSON(p)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "project title")
	cmd.Flags().StringVar(&desc, "description", "", "description")
	cmd.Flags().Float64Var(&amount, "amount", 0, "escrow amount")
	cmd.Flags().StringVar(&currency, "currency", "", "currency (defaults from config)")
	cmd.Flags().StringVar(&buyer, "buyer", "", "buyer email")
	cmd.Flags().StringVar(&seller, "seller", "", "seller email")
	cmd.Flags().StringVar(&createdBy, "created-by", "buyer", "buyer or seller")
	cmd.Flags().StringVar(&deadline, "deadline", "", "RFC3339 deadline")
	_ = cmd.MarkFlagRequired("title")
	_ = cmd.MarkFlagRequired("buyer")
	return cmd
}

func projectShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd.Context(), func(ctx context.Context, svc *service.Service) error {
				p, err := svc.GetProject(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(p)
			})
		},
	}
	return cmd
}

func projectUpdateCmd() *cobra.Command {
	var title, desc, currency, seller, deadline string
	var amount float64
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Update project details",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd.Context(), func(ctx context.Context, svc *service.Service) error {
				in := service.UpdateProjectInput{}
				if cmd.Flags().Changed("title") {
					in.Title = &title
				}
				if cmd.Flags().Changed("description") {
					in.Description = &desc
				}
				if cmd.Flags().Changed("amount") {
					in.Amount = &amount
				}
				if cmd.Flags().Changed("currency") {
					in.Currency = &currency
				}
				if cmd.Flags().Changed("seller") {
					in.SellerEmail = &seller
				}
				if cmd.Flags().Changed("deadline") {
					in.Deadline = &deadline
				}
				p, err := svc.UpdateProject(ctx, args[0], in)
				if err != nil {
					return err
				}
				return printJSON(p)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "project title")
	cmd.Flags().StringVar(&desc, "description", "", "description")
	cmd.Flags().Float64Var(&amount, "amount", 0, "escrow amount")
	cmd.Flags().StringVar(&currency, "currency", "", "currency")
	cmd.Flags().StringVar(&seller, "seller", "", "seller email")
	cmd.Flags().StringVar(&deadline, "deadline", "", "RFC3339 deadline")
	return cmd
}

func projectDepositCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deposit <id>",
		Short: "Deposit escrow payment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd.Context(), func(ctx context.Context, svc *service.Service) error {
				p, err := svc.DepositPayment(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(p)
			})
		},
	}
	return cmd
}

func projectUploadCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "upload <id>",
		Short: "Upload deliverable file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd.Context(), func(ctx context.Context, svc *service.Service) error {
				f, err := os.Open(file)
				if err != nil {
					return err
				}
				defer f.Close()
				st, err := f.Stat()
				if err != nil {
					return err
				}
				p, err := svc.UploadFile(ctx, args[0], filepath.Base(file), "", st.Size(), f)
				if err != nil {
					return err
				}
				return printJSON(p)
			})
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "path to the model file")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func projectApproveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "approve <id>",
		Short: "Buyer approves the delivery",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd.Context(), func(ctx context.Context, svc *service.Service) error {
				p, err := svc.BuyerAction(ctx, args[0], lifecycle.BuyerApprove)
				if err != nil {
					return err
				}
				return printJSON(p)
			})
		},
	}
	return cmd
}

func projectReviseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "revise <id>",
		Short: "Buyer requests a revision",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd.Context(), func(ctx context.Context, svc *service.Service) error {
				p, err := svc.BuyerAction(ctx, args[0], lifecycle.BuyerRequestRevision)
				if err != nil {
					return err
				}
				return printJSON(p)
			})
		},
	}
	return cmd
}

func projectSellerApproveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "seller-approve <id>",
		Short: "Seller approves; completes and releases payment if the buyer already approved",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd.Context(), func(ctx context.Context, svc *service.Service) error {
				p, err := svc.SellerApprove(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(p)
			})
		},
	}
	return cmd
}

func projectDownloadCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "download <id>",
		Short: "Download the deliverable (requires approval from both parties)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd.Context(), func(ctx context.Context, svc *service.Service) error {
				info, rc, err := svc.OpenFile(ctx, args[0])
				if err != nil {
					return err
				}
				defer rc.Close()
				dest := out
				if dest == "" {
					dest = info.Name
				}
				f, err := os.Create(dest)
				if err != nil {
					return err
				}
				if _, err := io.Copy(f, rc); err != nil {
					f.Close()
					return err
				}
				if err := f.Close(); err != nil {
					return err
				}
				fmt.Printf("wrote %s (%d bytes)\n", dest, info.Size)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&out, "out", "", "destination path (defaults to the original file name)")
	return cmd
}

func activityCmd() *cobra.Command {
	act := &cobra.Command{Use: "activity", Short: "Inspect the activity log"}
	act.AddCommand(activityListCmd())
	act.AddCommand(activityRecentCmd())
	return act
}

func activityListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list <project-id>",
		Short: "Project activity log, most recent first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd.Context(), func(ctx context.Context, svc *service.Service) error {
				items, err := svc.ListActivities(ctx, args[0])
				if err != nil {
					return err
				}
				return printActivities(items)
			})
		},
	}
	return cmd
}

func activityRecentCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "recent",
		Short: "Cross-project activity feed",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd.Context(), func(ctx context.Context, svc *service.Service) error {
				items, err := svc.ListRecentActivities(ctx, limit)
				if err != nil {
					return err
				}
				return printActivities(items)
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 10, "number of entries")
	return cmd
}

func userCmd() *cobra.Command {
	usr := &cobra.Command{Use: "user", Short: "Manage API users"}
	var username, password string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create a user for the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd.Context(), func(ctx context.Context, svc *service.Service) error {
				u, err := svc.RegisterUser(ctx, username, password)
				if err != nil {
					return err
				}
				return printJSON(u)
			})
		},
	}
	create.Flags().StringVar(&username, "username", "", "username")
	create.Flags().StringVar(&password, "password", "", "password")
	_ = create.MarkFlagRequired("username")
	_ = create.MarkFlagRequired("password")
	usr.AddCommand(create)
	return usr
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage modelbay.yml"}
	cfg.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write the default config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSON(c)
		},
	})
	return cfg
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			cfg, err := config.LoadOptional(workspace)
			if err != nil {
				return err
			}
			if addr == "" {
				addr = cfg.Server.Addr
			}
			if basePath == "" {
				basePath = cfg.Server.BasePath
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			svc := service.New(sqlite.New(conn), blob.NewOS(blobDir(workspace, cfg)))
			svc.DefaultCurrency = cfg.Defaults.Currency
			authCfg := server.AuthConfig{Enabled: cfg.Auth.Enabled, JWTSecret: cfg.Auth.JWTSecret}
			if secret := os.Getenv("MODELBAY_JWT_SECRET"); secret != "" {
				authCfg.Enabled = true
				authCfg.JWTSecret = secret
			}
			if authCfg.Enabled && authCfg.JWTSecret == "" {
				return fmt.Errorf("jwt secret is required when auth is enabled (set MODELBAY_JWT_SECRET or auth.jwt_secret)")
			}
			handler, err := server.New(server.Config{Service: svc, BasePath: basePath, Auth: authCfg})
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
			fmt.Printf("Serving ModelBay API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (defaults from config)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (defaults from config)")
	return cmd
}

// --- helpers ---

func withService(ctx context.Context, fn func(context.Context, *service.Service) error) error {
	workspace := viper.GetString("workspace")
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return err
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	svc := service.New(sqlite.New(conn), blob.NewOS(blobDir(workspace, cfg)))
	svc.DefaultCurrency = cfg.Defaults.Currency
	return fn(ctx, svc)
}

func blobDir(workspace string, cfg *config.Config) string {
	dir := cfg.Storage.BlobDir
	if !filepath.IsAbs(dir) {
		dir = filepath.Join(workspace, ".modelbay", dir)
	}
	return dir
}

func printActivities(items []domain.Activity) error {
	if viper.GetBool("json") {
		return printJSON(items)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Time", "Project", "Type", "Description"})
	for _, a := range items {
		tw.AppendRow(table.Row{a.CreatedAt, a.ProjectID, a.Type, a.Description})
	}
	tw.Render()
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
