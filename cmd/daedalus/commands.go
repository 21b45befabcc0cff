package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/wehubfusion/Daedalus/pkg/domain"
	"github.com/wehubfusion/Daedalus/pkg/rules"
	"github.com/wehubfusion/Daedalus/pkg/runner"
	"github.com/wehubfusion/Daedalus/pkg/storage"
	"github.com/wehubfusion/Daedalus/pkg/tenant"
)

var version = "dev"

func newRootCommand(stdout, stderr io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:           "daedalus",
		Short:         "Bulk edit library records",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		Long: `
Daedalus matches uploaded identifiers against the record store, applies
bulk edit rules to the matched records and writes the changes back.

Configuration is read from DAEDALUS_* environment variables and the YAML
file named by DAEDALUS_CONFIG_FILE.
`,
	}
	root.SetOut(stdout)
	root.SetErr(stderr)

	root.AddCommand(
		newCreateCommand(stdout),
		newMatchCommand(stdout),
		newModifyCommand(stdout),
		newApplyCommand(stdout),
		newErrorsCommand(stdout),
		newStatusCommand(stdout),
		newRunCommand(stdout),
	)
	return root
}

// createOptions are the flags shared by create and run
type createOptions struct {
	Entity         string
	IdentifierType string
	Tenant         string
	UserID         string
	Username       string
	File           string
	Upload         string
}

func (o *createOptions) register(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.StringVar(&o.Entity, "entity", "", "entity type: ITEM, HOLDINGS_RECORD, INSTANCE or USER")
	flags.StringVar(&o.IdentifierType, "identifier-type", string(domain.IdentifierID), "identifier type of the uploaded values")
	flags.StringVar(&o.Tenant, "tenant", "", "tenant the run is started in")
	flags.StringVar(&o.UserID, "user-id", "", "id of the acting user")
	flags.StringVar(&o.Username, "username", "", "name of the acting user")
	flags.StringVar(&o.File, "file", "", "identifier file already in object storage")
	flags.StringVar(&o.Upload, "upload", "", "local identifier file to upload")
	_ = cmd.MarkFlagRequired("entity")
	_ = cmd.MarkFlagRequired("tenant")
	_ = cmd.MarkFlagRequired("user-id")
	cmd.MarkFlagsOneRequired("file", "upload")
	cmd.MarkFlagsMutuallyExclusive("file", "upload")
}

func (o *createOptions) request(ctx context.Context, store storage.Store) (runner.CreateRequest, error) {
	path := o.File
	if o.Upload != "" {
		data, err := os.ReadFile(o.Upload)
		if err != nil {
			return runner.CreateRequest{}, fmt.Errorf("read identifiers: %w", err)
		}
		path = storage.Join("uploads", uuid.NewString(), filepath.Base(o.Upload))
		if err := storage.PutBytes(ctx, store, path, data); err != nil {
			return runner.CreateRequest{}, fmt.Errorf("upload identifiers: %w", err)
		}
	}
	return runner.CreateRequest{
		EntityType:      domain.EntityType(strings.ToUpper(o.Entity)),
		IdentifierType:  domain.IdentifierType(strings.ToUpper(o.IdentifierType)),
		Tenant:          o.Tenant,
		User:            tenant.User{ID: o.UserID, Username: o.Username},
		IdentifiersFile: path,
	}, nil
}

func newCreateCommand(stdout io.Writer) *cobra.Command {
	var opts createOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Register a new run over an identifier file",
		Args:  cobra.NoArgs,
		RunE: func(c *cobra.Command, args []string) error {
			return withApp(c.Context(), func(ctx context.Context, a *app) error {
				req, err := opts.request(ctx, a.store)
				if err != nil {
					return err
				}
				run, err := a.controller.Create(ctx, req)
				if err != nil {
					return err
				}
				return printJSON(stdout, run)
			})
		},
	}
	opts.register(cmd)
	return cmd
}

func newMatchCommand(stdout io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "match RUN_ID",
		Short: "Resolve the identifiers of a new run",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			return withApp(c.Context(), func(ctx context.Context, a *app) error {
				run, err := a.controller.Match(ctx, args[0])
				return printResult(stdout, run, err)
			})
		},
	}
}

func newModifyCommand(stdout io.Writer) *cobra.Command {
	var rulesFile string
	cmd := &cobra.Command{
		Use:   "modify RUN_ID",
		Short: "Apply a rule collection to the matched records",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			set, err := readRules(rulesFile)
			if err != nil {
				return err
			}
			return withApp(c.Context(), func(ctx context.Context, a *app) error {
				run, err := a.controller.Modify(ctx, args[0], set)
				return printResult(stdout, run, err)
			})
		},
	}
	cmd.Flags().StringVarP(&rulesFile, "rules", "r", "", "JSON rule collection")
	_ = cmd.MarkFlagRequired("rules")
	return cmd
}

func newApplyCommand(stdout io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "apply RUN_ID",
		Short: "Write the modified records back",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			return withApp(c.Context(), func(ctx context.Context, a *app) error {
				run, err := a.controller.Apply(ctx, args[0])
				return printResult(stdout, run, err)
			})
		},
	}
}

func newErrorsCommand(stdout io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "errors RUN_ID",
		Short: "Export the error records of a run to CSV",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			return withApp(c.Context(), func(ctx context.Context, a *app) error {
				path, err := a.controller.ExportErrors(ctx, args[0])
				if err != nil {
					return err
				}
				_, err = fmt.Fprintln(stdout, path)
				return err
			})
		},
	}
}

func newStatusCommand(stdout io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "status RUN_ID",
		Short: "Show a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			return withApp(c.Context(), func(ctx context.Context, a *app) error {
				run, err := a.controller.Get(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(stdout, run)
			})
		},
	}
}

func newRunCommand(stdout io.Writer) *cobra.Command {
	var opts createOptions
	var rulesFile string
	var review bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Create, match, modify and apply in one process",
		Long: `
Runs every phase of a bulk edit in one process. With --review the run stops
after the modify phase so the preview can be checked before apply.
`,
		Args: cobra.NoArgs,
		RunE: func(c *cobra.Command, args []string) error {
			set, err := readRules(rulesFile)
			if err != nil {
				return err
			}
			return withApp(c.Context(), func(ctx context.Context, a *app) error {
				req, err := opts.request(ctx, a.store)
				if err != nil {
					return err
				}
				run, err := a.controller.Create(ctx, req)
				if err != nil {
					return err
				}
				if run, err = a.controller.Match(ctx, run.ID); err != nil {
					return printResult(stdout, run, err)
				}
				if run, err = a.controller.Modify(ctx, run.ID, set); err != nil || review {
					return printResult(stdout, run, err)
				}
				run, err = a.controller.Apply(ctx, run.ID)
				return printResult(stdout, run, err)
			})
		},
	}
	opts.register(cmd)
	cmd.Flags().StringVarP(&rulesFile, "rules", "r", "", "JSON rule collection")
	cmd.Flags().BoolVar(&review, "review", false, "stop before the apply phase")
	_ = cmd.MarkFlagRequired("rules")
	return cmd
}

func withApp(ctx context.Context, fn func(context.Context, *app) error) error {
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func readRules(path string) (rules.RuleSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return rules.RuleSet{}, fmt.Errorf("read rules: %w", err)
	}
	return rules.ParseRules(data)
}

// printResult prints the run even when the phase failed, so the failure message is visible
func printResult(w io.Writer, run domain.Run, err error) error {
	if run.ID != "" {
		if perr := printJSON(w, run); perr != nil && err == nil {
			return perr
		}
	}
	return err
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
