package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"punchd/internal/app"
	"punchd/internal/classifier"
	"punchd/internal/commit"
	"punchd/internal/config"
	"punchd/internal/domain"
	"punchd/internal/engine/auth"
	"punchd/internal/governor"
	"punchd/internal/ingest"
	"punchd/internal/repo"
	"punchd/internal/server"
	"punchd/internal/stream"
	"punchd/internal/verify"
	punchsdk "punchd/sdk/go"
)

func configCmd() *cobra.Command {
	cfgCmd := &cobra.Command{Use: "config", Short: "Manage workspace config"}
	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default config to the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s exists; use --force to overwrite", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config")
	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Print the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(cfg)
			}
			out, err := yaml.Marshal(cfg)
			if err != nil {
				return err
			}
			fmt.Print(string(out))
			return nil
		},
	}
	checkCmd := &cobra.Command{
		Use:   "check [FILE]",
		Short: "Validate a config file (default: the workspace config)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if len(args) == 1 {
				path = args[0]
			}
			cfg, err := config.FromFile(path)
			if err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
			if cfg.Cards.Seed != "" {
				if _, err := config.LoadCards(cfg.Cards.Seed); err != nil {
					return fmt.Errorf("cards.seed %s: %w", cfg.Cards.Seed, err)
				}
			}
			fmt.Println(path, "ok")
			return nil
		},
	}
	cfgCmd.AddCommand(initCmd, showCmd, checkCmd)
	return cfgCmd
}

func openInput(path string) (io.ReadCloser, error) {
	if path == "" || path == "-" {
		return io.NopCloser(os.Stdin), nil
	}
	return os.Open(path)
}

func ingestCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Ingest JSONL events from a file or stdin (spool files replay the same way)",
		RunE: func(cmd *cobra.Command, args []string) error {
			in, err := openInput(file)
			if err != nil {
				return err
			}
			defer in.Close()
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				p := ingest.New(rt.Engine, rt.Config.Ingest, nil)
				n := 0
				readErr := ingest.ReadJSONL(in, func(evt classifier.Event) error {
					n++
					return p.Submit(ctx, evt)
				})
				closeCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
				defer cancel()
				if err := p.Close(closeCtx); err != nil {
					return err
				}
				if readErr != nil {
					return readErr
				}
				return printJSONOrTable(map[string]any{"submitted": n})
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "-", "JSONL file, - for stdin")
	return cmd
}

func emitCmd() *cobra.Command {
	var serverURL, apiKey, taskID, eventType, payload string
	cmd := &cobra.Command{
		Use:   "emit",
		Short: "Send one event to a running punchd server",
		RunE: func(cmd *cobra.Command, args []string) error {
			var body map[string]any
			if payload != "" {
				if err := json.Unmarshal([]byte(payload), &body); err != nil {
					return fmt.Errorf("--payload: %w", err)
				}
			}
			c := punchsdk.New(serverURL)
			c.APIKey = apiKey
			res, err := c.Send(cmd.Context(), punchsdk.Event{TaskID: taskID, EventType: eventType, Payload: body})
			if err != nil {
				return err
			}
			return printJSONOrTable(res)
		},
	}
	cmd.Flags().StringVar(&serverURL, "server", "http://127.0.0.1:8080", "punchd server URL")
	cmd.Flags().StringVar(&apiKey, "api-key", os.Getenv("PUNCHD_API_KEY"), "API key")
	cmd.Flags().StringVar(&taskID, "task", "", "task id")
	cmd.Flags().StringVar(&eventType, "type", "", "event type")
	cmd.Flags().StringVar(&payload, "payload", "", "JSON payload")
	_ = cmd.MarkFlagRequired("task")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}

func validateCmd() *cobra.Command {
	var card string
	cmd := &cobra.Command{
		Use:   "validate TASK",
		Short: "Validate a task against a punch card",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				res, err := rt.Engine.Validate(ctx, args[0], card)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				return printMissing(res.Status, res.Missing)
			})
		},
	}
	cmd.Flags().StringVar(&card, "card", "", "punch card id")
	_ = cmd.MarkFlagRequired("card")
	return cmd
}

func printMissing(status string, missing []domain.MissingRef) error {
	fmt.Println("status:", status)
	if len(missing) == 0 {
		return nil
	}
	rows := make([]table.Row, 0, len(missing))
	for _, m := range missing {
		rows = append(rows, table.Row{m.Ref, m.Marker, m.Count, m.Description})
	}
	return printTable(missing, table.Row{"Ref", "Marker", "Count", "Description"}, rows)
}

func verifyCmd() *cobra.Command {
	var card string
	var childCards []string
	cmd := &cobra.Command{
		Use:   "verify TASK",
		Short: "Validate a task and every descendant",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			overridesByTask := map[string]string{}
			for _, kv := range childCards {
				task, c, ok := strings.Cut(kv, "=")
				if !ok || task == "" || c == "" {
					return fmt.Errorf("--child-card wants task=card, got %q", kv)
				}
				overridesByTask[task] = c
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				rep, err := rt.Engine.VerifyTree(ctx, verify.Request{RootTaskID: args[0], CardID: card, ChildCards: overridesByTask})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(rep)
				}
				fmt.Printf("status: %s (checked %d)\n", rep.Status, rep.Checked)
				if rep.Reason != "" {
					fmt.Println("reason:", rep.Reason)
				}
				rows := make([]table.Row, 0, len(rep.Failures))
				for _, f := range rep.Failures {
					var refs []string
					for _, m := range f.Missing {
						refs = append(refs, m.Ref)
					}
					rows = append(rows, table.Row{f.TaskID, f.CardID, f.Depth, strings.Join(refs, ", ")})
				}
				if len(rows) == 0 {
					return nil
				}
				return printTable(rep, table.Row{"Task", "Card", "Depth", "Missing"}, rows)
			})
		},
	}
	cmd.Flags().StringVar(&card, "card", "", "punch card id")
	cmd.Flags().StringSliceVar(&childCards, "child-card", nil, "per-descendant card override, task=card")
	_ = cmd.MarkFlagRequired("card")
	return cmd
}

func checkpointCmd() *cobra.Command {
	var card string
	cmd := &cobra.Command{
		Use:   "checkpoint TASK",
		Short: "Validate a task and commit a passing checkpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				cp, err := rt.Engine.Checkpoint(ctx, args[0], card)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(cp)
				}
				fmt.Printf("checkpoint %s: %s\n", cp.ID, cp.Status)
				if cp.CommitHash != nil {
					fmt.Println("commit:", *cp.CommitHash)
				}
				return printMissing(cp.Status, cp.Missing)
			})
		},
	}
	cmd.Flags().StringVar(&card, "card", "", "punch card id")
	_ = cmd.MarkFlagRequired("card")
	cmd.AddCommand(&cobra.Command{
		Use:   "resume",
		Short: "Finalize checkpoints left pending by a crash",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				done, err := rt.Engine.ResumePending(ctx)
				if perr := printJSONOrTable(done); perr != nil {
					return perr
				}
				return err
			})
		},
	})
	return cmd
}

func costCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cost TASK",
		Short: "Sum cost over a task subtree",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				rollup, err := rt.Engine.CostRollup(ctx, args[0])
				if err != nil {
					return err
				}
				return printTable(rollup, table.Row{"Root", "Total", "Tasks", "Depth"},
					[]table.Row{{rollup.RootTaskID, fmt.Sprintf("%.4f", rollup.Total), rollup.TaskCount, rollup.Depth}})
			})
		},
	}
}

func killCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "kill TASK",
		Short: "Abandon a task and its live descendants, then diagnose it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				res, err := rt.Engine.Kill(ctx, args[0], reason)
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", governor.ReasonManual, "kill reason")
	return cmd
}

func diagnoseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "diagnose TASK",
		Short: "Classify why a task stalled",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				d, err := rt.Engine.Diagnose(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(d)
			})
		},
	}
}

func remediateCmd() *cobra.Command {
	var promptOnly bool
	cmd := &cobra.Command{
		Use:   "remediate TASK",
		Short: "Diagnose a task and store its remediation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				spec, err := rt.Engine.Remediate(ctx, args[0])
				if err != nil {
					return err
				}
				if promptOnly {
					fmt.Println(spec.Prompt)
					return nil
				}
				return printJSONOrTable(spec)
			})
		},
	}
	cmd.Flags().BoolVar(&promptOnly, "prompt", false, "print only the retry prompt")
	return cmd
}

func dispatchCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "dispatch",
		Short: "Map a diagnosis JSON document to a remediation without storing it",
		RunE: func(cmd *cobra.Command, args []string) error {
			in, err := openInput(file)
			if err != nil {
				return err
			}
			defer in.Close()
			var d domain.Diagnosis
			if err := json.NewDecoder(in).Decode(&d); err != nil {
				return fmt.Errorf("decode diagnosis: %w", err)
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				return printJSONOrTable(rt.Engine.Dispatch(d))
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "-", "diagnosis JSON file, - for stdin")
	return cmd
}

func cardsCmd() *cobra.Command {
	cards := &cobra.Command{Use: "cards", Short: "Manage punch cards"}
	cards.AddCommand(&cobra.Command{
		Use:   "import FILE",
		Short: "Replace cards from a TOML file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				ids, err := rt.Engine.ImportCards(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"imported": ids})
			})
		},
	})
	cards.AddCommand(&cobra.Command{
		Use:   "show [CARD]",
		Short: "List cards or show one card's rules",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				if len(args) == 0 {
					ids, err := rt.Repo().ListCardIDs(ctx)
					if err != nil {
						return err
					}
					rows := make([]table.Row, 0, len(ids))
					for _, id := range ids {
						rows = append(rows, table.Row{id})
					}
					return printTable(ids, table.Row{"Card"}, rows)
				}
				rules, err := rt.Repo().ListRequirements(ctx, args[0])
				if err != nil {
					return err
				}
				if len(rules) == 0 {
					return fmt.Errorf("card %s: %w", args[0], repo.ErrNotFound)
				}
				rows := make([]table.Row, 0, len(rules))
				for _, r := range rules {
					kind := "required"
					if !r.Required {
						kind = "forbidden"
					}
					rows = append(rows, table.Row{r.PunchType, r.PunchKeyPattern, kind, r.Description})
				}
				return printTable(rules, table.Row{"Type", "Pattern", "Kind", "Description"}, rows)
			})
		},
	})
	return cards
}

func punchesCmd() *cobra.Command {
	punches := &cobra.Command{Use: "punches", Short: "Inspect punches"}
	var punchType string
	var limit int
	list := &cobra.Command{
		Use:   "list TASK",
		Short: "List a task's punches in emitted order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				items, err := rt.Repo().ListPunches(ctx, repo.PunchFilter{TaskID: args[0], PunchType: domain.PunchType(punchType), Limit: limit})
				if err != nil {
					return err
				}
				rows := make([]table.Row, 0, len(items))
				for _, p := range items {
					rows = append(rows, table.Row{p.ID, p.ObservedAt, p.PunchType, p.PunchKey})
				}
				return printTable(items, table.Row{"ID", "Observed", "Type", "Key"}, rows)
			})
		},
	}
	list.Flags().StringVar(&punchType, "type", "", "punch type filter")
	list.Flags().IntVar(&limit, "limit", 0, "maximum punches, 0 for all")
	punches.AddCommand(list)
	return punches
}

func taskCmd() *cobra.Command {
	task := &cobra.Command{Use: "task", Short: "Inspect tasks"}
	task.AddCommand(&cobra.Command{
		Use:   "show TASK",
		Short: "Show a task with its children, checkpoints and kill record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				view, err := rt.Engine.Task(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(view)
				}
				t := view.Task
				fmt.Printf("%s [%s] mode=%s parent=%s cost=%.4f started=%s completed=%s\n",
					t.ID, t.Status, t.Mode, deref(t.ParentID), t.Cost, t.StartedAt, deref(t.CompletedAt))
				if view.Kill != nil {
					fmt.Printf("killed %s (%s, root %s)\n", view.Kill.KilledAt, view.Kill.Reason, view.Kill.RootTaskID)
				}
				if len(view.Children) > 0 {
					rows := make([]table.Row, 0, len(view.Children))
					for _, c := range view.Children {
						valid := "pending"
						if c.ChildCardValid != nil {
							valid = fmt.Sprintf("%t", *c.ChildCardValid)
						}
						rows = append(rows, table.Row{c.ChildTaskID, c.SpawnedAt, deref(c.CompletedAt), valid})
					}
					if err := printTable(nil, table.Row{"Child", "Spawned", "Returned", "Valid"}, rows); err != nil {
						return err
					}
				}
				if len(view.Checkpoints) > 0 {
					rows := make([]table.Row, 0, len(view.Checkpoints))
					for _, cp := range view.Checkpoints {
						rows = append(rows, table.Row{cp.ID, cp.CardID, cp.Status, cp.ValidatedAt, deref(cp.CommitHash)})
					}
					return printTable(nil, table.Row{"Checkpoint", "Card", "Status", "Validated", "Commit"}, rows)
				}
				return nil
			})
		},
	})
	return task
}

func governorCmd() *cobra.Command {
	gov := &cobra.Command{Use: "governor", Short: "Run governance by hand"}
	gov.AddCommand(&cobra.Command{
		Use:   "scan",
		Short: "Score every running task once and kill runaways",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				kills, err := rt.Engine.Governor.Scan(ctx)
				if err != nil {
					return err
				}
				states := rt.Engine.Governor.States()
				rows := make([]table.Row, 0, len(states))
				for _, s := range states {
					rows = append(rows, table.Row{s.TaskID, s.State, fmt.Sprintf("%.2f", s.Score), s.Reason, s.ToolCalls, fmt.Sprintf("%.4f", s.Cost), s.Repeats})
				}
				if err := printTable(map[string]any{"states": states, "kills": kills}, table.Row{"Task", "State", "Score", "Reason", "Tools", "Cost", "Repeats"}, rows); err != nil {
					return err
				}
				if !viper.GetBool("json") && len(kills) > 0 {
					for _, k := range kills {
						fmt.Printf("killed %s (%s): %s\n", k.RootTaskID, k.Reason, strings.Join(k.Killed, ", "))
					}
				}
				return nil
			})
		},
	})
	gov.AddCommand(&cobra.Command{
		Use:   "eval TASK",
		Short: "Score one task without acting on it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				st, err := rt.Engine.Governor.Evaluate(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(st)
			})
		},
	})
	return gov
}

func keysCmd() *cobra.Command {
	keys := &cobra.Command{Use: "keys", Short: "Manage API keys"}
	var actor, name string
	var grant []string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create an API key; the secret is printed once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				key, secret, err := rt.Engine.CreateAPIKey(ctx, actor, name, grant)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"id": key.ID, "actor_id": key.ActorID, "permissions": key.Permissions, "key": secret})
			})
		},
	}
	create.Flags().StringVar(&actor, "actor", "", "actor the key acts as")
	create.Flags().StringVar(&name, "name", "", "key name")
	create.Flags().StringSliceVar(&grant, "perm", nil, "permission to grant (repeatable); default events.write")
	_ = create.MarkFlagRequired("actor")

	list := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				items, err := rt.Repo().ListAPIKeys(ctx, actor)
				if err != nil {
					return err
				}
				rows := make([]table.Row, 0, len(items))
				for i := range items {
					items[i].KeyHash = ""
					k := items[i]
					rows = append(rows, table.Row{k.ID, k.ActorID, k.Name, strings.Join(k.Permissions, ","), k.CreatedAt})
				}
				return printTable(items, table.Row{"ID", "Actor", "Name", "Permissions", "Created"}, rows)
			})
		},
	}
	list.Flags().StringVar(&actor, "actor", "", "filter by actor")

	revoke := &cobra.Command{
		Use:   "revoke ID",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				return rt.Repo().DeleteAPIKey(ctx, args[0])
			})
		},
	}
	perms := &cobra.Command{
		Use:   "perms",
		Short: "List grantable permissions",
		RunE: func(cmd *cobra.Command, args []string) error {
			known := auth.Known()
			rows := make([]table.Row, 0, len(known)+1)
			for _, p := range known {
				rows = append(rows, table.Row{p, auth.Describe(p)})
			}
			rows = append(rows, table.Row{auth.PermAll, "everything, including key management"})
			return printTable(known, table.Row{"Permission", "Grants"}, rows)
		},
	}
	keys.AddCommand(create, list, revoke, perms)
	return keys
}

func tokenCmd() *cobra.Command {
	var actor string
	var perms []string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Sign a bearer token with the configured JWT secret",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			secret := firstNonEmpty(viper.GetString("jwt-secret"), cfg.Server.JWTSecret)
			if secret == "" {
				return errors.New("no jwt secret: set server.jwt_secret or PUNCHD_JWT_SECRET")
			}
			now := time.Now()
			claims := jwt.RegisteredClaims{Issuer: "punchd", IssuedAt: jwt.NewNumericDate(now)}
			if ttl > 0 {
				claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
			}
			tok, err := server.SignToken(secret, actor, perms, claims)
			if err != nil {
				return err
			}
			fmt.Println(tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "token subject")
	cmd.Flags().StringSliceVar(&perms, "perm", nil, "permission to grant (repeatable)")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime, 0 for none")
	_ = cmd.MarkFlagRequired("actor")
	return cmd
}

func logCmd() *cobra.Command {
	lg := &cobra.Command{Use: "log", Short: "Audit log"}
	var n int
	var evtType, entityKind, entityID string
	var follow bool
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				f := repo.EventFilter{Type: evtType, EntityKind: entityKind, EntityID: entityID, Limit: n}
				items, err := rt.Repo().ListEvents(ctx, f)
				if err != nil {
					return err
				}
				// newest first from the store; print oldest first
				reverseEvents(items)
				if err := printEvents(items); err != nil {
					return err
				}
				if !follow {
					return nil
				}
				var last int64
				if len(items) > 0 {
					last = items[len(items)-1].ID
				}
				ticker := time.NewTicker(time.Second)
				defer ticker.Stop()
				for {
					select {
					case <-ctx.Done():
						return nil
					case <-ticker.C:
					}
					var more []domain.Event
					if last == 0 {
						more, err = rt.Repo().ListEvents(ctx, f)
						reverseEvents(more)
					} else {
						f.AfterID = last
						f.Limit = 500
						more, err = rt.Repo().ListEvents(ctx, f)
					}
					if err != nil {
						return err
					}
					if len(more) == 0 {
						continue
					}
					last = more[len(more)-1].ID
					if err := printEvents(more); err != nil {
						return err
					}
				}
			})
		},
	}
	tail.Flags().IntVar(&n, "n", 20, "number of events")
	tail.Flags().StringVar(&evtType, "type", "", "event type filter")
	tail.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	tail.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	tail.Flags().BoolVar(&follow, "follow", false, "keep polling for new events")
	lg.AddCommand(tail)
	return lg
}

func reverseEvents(items []domain.Event) {
	for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
		items[i], items[j] = items[j], items[i]
	}
}

func printEvents(items []domain.Event) error {
	if viper.GetBool("json") {
		for _, e := range items {
			b, _ := json.Marshal(e)
			fmt.Println(string(b))
		}
		return nil
	}
	for _, e := range items {
		payload, _ := json.Marshal(e.Payload)
		fmt.Printf("%d %s %-20s %s/%s %s\n", e.ID, e.TS, e.Type, e.EntityKind, e.EntityID, payload)
	}
	return nil
}

func streamCmd() *cobra.Command {
	st := &cobra.Command{Use: "stream", Short: "Redis stream transport"}
	st.AddCommand(&cobra.Command{
		Use:   "consume",
		Short: "Consume the configured stream into the store until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				cfg := rt.Config
				if cfg.Stream.Addr == "" {
					return errors.New("stream.addr not configured")
				}
				var spool *ingest.Spool
				if cfg.Ingest.Spool != "" {
					spool = ingest.NewSpool(cfg.Ingest.Spool)
				}
				p := ingest.New(rt.Engine, cfg.Ingest, spool)
				c := stream.NewConsumer(cfg.Stream, p)
				c.Logger = rt.Logger.With("component", "stream")
				defer c.Client.Close()
				runErr := c.Run(ctx)
				closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := p.Close(closeCtx); err != nil {
					return err
				}
				if errors.Is(runErr, context.Canceled) {
					return nil
				}
				return runErr
			})
		},
	})
	var file string
	publish := &cobra.Command{
		Use:   "publish",
		Short: "Publish JSONL events to the configured stream",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			if cfg.Stream.Addr == "" {
				return errors.New("stream.addr not configured")
			}
			in, err := openInput(file)
			if err != nil {
				return err
			}
			defer in.Close()
			c := stream.NewConsumer(cfg.Stream, nil)
			defer c.Client.Close()
			n := 0
			err = ingest.ReadJSONL(in, func(evt classifier.Event) error {
				if _, err := stream.Publish(cmd.Context(), c.Client, cfg.Stream.Stream, evt); err != nil {
					return err
				}
				n++
				return nil
			})
			if err != nil {
				return err
			}
			return printJSONOrTable(map[string]any{"published": n, "stream": cfg.Stream.Stream})
		},
	}
	publish.Flags().StringVarP(&file, "file", "f", "-", "JSONL file, - for stdin")
	st.AddCommand(publish)
	return st
}

func ledgerCmd() *cobra.Command {
	lg := &cobra.Command{Use: "ledger", Short: "Inspect the checkpoint commit ledger"}
	lg.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List ledger commits in sequence order",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				commits, err := rt.Repo().ListCommits(ctx)
				if err != nil {
					return err
				}
				rows := make([]table.Row, 0, len(commits))
				for _, c := range commits {
					rows = append(rows, table.Row{c.Seq, c.Hash[:min(12, len(c.Hash))], c.TaskID, c.CardID, c.CommittedAt})
				}
				return printTable(commits, table.Row{"Seq", "Hash", "Task", "Card", "Committed"}, rows)
			})
		},
	})
	lg.AddCommand(&cobra.Command{
		Use:   "verify",
		Short: "Recompute the hash chain and report the first break",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				commits, err := rt.Repo().ListCommits(ctx)
				if err != nil {
					return err
				}
				if err := commit.VerifyChain(commits); err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"commits": len(commits), "status": "ok"})
			})
		},
	})
	return lg
}
