package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/ehr/logic/internal/config"
	"github.com/ehr/logic/internal/domain/ruledef"
	"github.com/ehr/logic/internal/logic"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "logic-server",
		Short:        "Clinical logic rule engine API server",
		SilenceUsage: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(parseCmd())
	rootCmd.AddCommand(evalCmd())
	rootCmd.AddCommand(rulesCmd())
	return rootCmd
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the logic API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run rule store migrations",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			to, _ := cmd.Flags().GetInt("to")
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			a, err := openStore(ctx, cfg, newLogger(cfg.Env, "warn"))
			if err != nil {
				return err
			}
			defer a.Close()

			migrator := a.migrator()
			fmt.Fprintf(cmd.OutOrStdout(), "Running %s migrations\n", cfg.RuleStore)
			var count int
			if to > 0 {
				count, err = migrator.UpTo(ctx, to)
			} else {
				count, err = migrator.Up(ctx)
			}
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().Int("to", 0, "Apply migrations up to and including this version")
	cmd.AddCommand(upCmd)

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			a, err := openStore(ctx, cfg, newLogger(cfg.Env, "warn"))
			if err != nil {
				return err
			}
			defer a.Close()

			statuses, err := a.migrator().Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "VERSION\tNAME\tSTATUS\tAPPLIED AT")
			for _, s := range statuses {
				status, appliedAt := "pending", ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", s.Version, s.Name, status, appliedAt)
			}
			return w.Flush()
		},
	})
	return cmd
}

func parseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "parse <criteria>",
		Short: "Parse criteria and print its expression tree",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			crit, err := logic.Parse(strings.Join(args, " "))
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "criteria: %s\n", crit)
			fmt.Fprintf(out, "tokens:   %s\n", strings.Join(crit.Expression().Tokens(), ", "))
			printTree(out, crit.Expression(), "")
			return nil
		},
	}
}

// printTree writes one line per node, children indented under their parent.
func printTree(w io.Writer, e *logic.Expression, indent string) {
	if e == nil {
		return
	}
	label := e.Operator().String()
	if e.IsLeaf() {
		label = strconv.Quote(e.RootToken())
	}
	if t := e.Transform(); t != nil {
		label = t.String() + " " + label
	}
	fmt.Fprintf(w, "%s%s\n", indent, label)
	printTree(w, e.Left(), indent+"  ")
	switch r := e.Right().(type) {
	case nil:
	case *logic.Expression:
		printTree(w, r, indent+"  ")
	default:
		fmt.Fprintf(w, "%s  %s\n", indent, r)
	}
}

func evalCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "eval <criteria>",
		Short: "Evaluate criteria for one patient",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			patientFlag, _ := cmd.Flags().GetString("patient")
			indexFlag, _ := cmd.Flags().GetString("index-date")
			paramFlags, _ := cmd.Flags().GetStringArray("param")

			patientID, err := uuid.Parse(patientFlag)
			if err != nil {
				return fmt.Errorf("--patient must be a UUID: %w", err)
			}
			params, err := parseParams(paramFlags)
			if err != nil {
				return err
			}
			var ctxOpts []logic.ContextOption
			if indexFlag != "" {
				idx, err := time.Parse("2006-01-02", indexFlag)
				if err != nil {
					return fmt.Errorf("--index-date must be YYYY-MM-DD: %w", err)
				}
				ctxOpts = append(ctxOpts, logic.WithIndexDate(idx))
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			a, err := openApp(ctx, cfg, newLogger(cfg.Env, "warn"), appOptions{})
			if err != nil {
				return err
			}
			defer a.Close()

			crit, err := a.engine.Parse(strings.Join(args, " "))
			if err != nil {
				return err
			}
			res, err := a.engine.EvalInContext(ctx, a.engine.NewContext(ctxOpts...), patientID, crit, params)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), map[string]any{
				"patient_id": patientID,
				"criteria":   crit.String(),
				"result":     res,
				"boolean":    res.ToBool(),
			})
		},
	}
	cmd.Flags().String("patient", "", "Patient UUID")
	cmd.Flags().String("index-date", "", "Index date (YYYY-MM-DD); defaults to today")
	cmd.Flags().StringArray("param", nil, "Global parameter as name=value (repeatable)")
	cmd.MarkFlagRequired("patient")
	return cmd
}

// parseParams turns name=value pairs into parameters. Values that parse as
// numbers or booleans are passed typed.
func parseParams(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	params := make(map[string]any, len(pairs))
	for _, p := range pairs {
		name, value, ok := strings.Cut(p, "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid --param %q, want name=value", p)
		}
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			params[name] = f
		} else if b, err := strconv.ParseBool(value); err == nil {
			params[name] = b
		} else {
			params[name] = value
		}
	}
	return params, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func rulesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Manage stored rule definitions",
	}

	withRules := func(cmd *cobra.Command, fn func(ctx context.Context, svc *ruledef.Service) error) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		a, err := openApp(ctx, cfg, newLogger(cfg.Env, "warn"), appOptions{shared: true})
		if err != nil {
			return err
		}
		defer a.Close()
		return fn(ctx, a.rules)
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "import <file.yaml>",
		Short: "Create or update rules from a YAML file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			return withRules(cmd, func(ctx context.Context, svc *ruledef.Service) error {
				res, err := svc.Import(ctx, f)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Created %d rule(s), updated %d rule(s).\n", len(res.Created), len(res.Updated))
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List stored rules",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRules(cmd, func(ctx context.Context, svc *ruledef.Service) error {
				defs, err := svc.Export(ctx)
				if err != nil {
					return err
				}
				return printDefinitions(cmd.OutOrStdout(), defs)
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "export",
		Short: "Write stored rules as YAML to stdout",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRules(cmd, func(ctx context.Context, svc *ruledef.Service) error {
				defs, err := svc.Export(ctx)
				if err != nil {
					return err
				}
				return ruledef.EncodeFile(cmd.OutOrStdout(), defs)
			})
		},
	})
	return cmd
}

func printDefinitions(out io.Writer, defs []*ruledef.Definition) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TOKEN\tKIND\tTTL\tTAGS\tDEFINITION")
	for _, d := range defs {
		body := d.Criteria
		if d.Kind == ruledef.KindDataSource {
			body = logic.DataSourceToken(d.Source, d.Key)
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n", d.Token, d.Kind, d.TTLSeconds, strings.Join(d.Tags, ","), body)
	}
	return w.Flush()
}
