package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"shipline/internal/app"
	"shipline/internal/cloud"
	"shipline/internal/codename"
	"shipline/internal/config"
	"shipline/internal/db"
	"shipline/internal/domain"
	"shipline/internal/engine"
	"shipline/internal/gates"
	"shipline/internal/migrate"
	"shipline/internal/pipeline"
	"shipline/internal/policy"
	"shipline/internal/repo"
	"shipline/internal/server"
	"shipline/internal/sync"
)

var rootCmd = &cobra.Command{
	Use:   "sl",
	Short: "Shipline CLI",
	Long: `Shipline tracks release contracts and drives them to promotion.
Core concepts:
- Workspace: the .shipline directory holding the local database, one per repo.
- Generation: a versioned release contract (v1.2.0) listing the changes it ships.
- Change: one unit of work inside a generation (add, fix, change, remove) with its pipelines.
- Evolution: a proof attempt for a change, tagged v1.2.0-rc.N; pipeline results decide pass or fail.
- Policies: team rules checked before an evolution may start (.shipline/policies.yaml).
- Promotion: gates verify every change has proof and nothing failed before the version is released and tagged.
- Hot-fix: an expedited patch generation (v1.2.1) on top of a release, promoted through a stricter gate.
- Sync: push and pull generations against a shipline hub ('sl serve' runs one); execution_mode drives automatic pushes.
- Audit log: every action is recorded, view with 'sl log'.`,
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
	viper.SetEnvPrefix("SHIPLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor", "", "actor recorded in the audit trail (defaults to the config username)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor", rootCmd.PersistentFlags().Lookup("actor"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(generationCmd())
	rootCmd.AddCommand(evolutionCmd())
	rootCmd.AddCommand(hotfixCmd())
	rootCmd.AddCommand(syncCmd())
	rootCmd.AddCommand(cloudCmd())
	rootCmd.AddCommand(codenameCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize a shipline workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			fmt.Printf("Initialized shipline workspace at %s\n", db.Path(workspace))
			return nil
		},
	}
}

func generationCmd() *cobra.Command {
	gen := &cobra.Command{
		Use:   "generation",
		Short: "Manage release generations",
		Long:  "Generations are versioned release contracts. Declare the changes a version ships, prove each one with evolutions, then promote through the gates.",
	}
	gen.AddCommand(generationNewCmd())
	gen.AddCommand(generationImportCmd())
	gen.AddCommand(generationListCmd())
	gen.AddCommand(generationShowCmd())
	gen.AddCommand(generationUpdateCmd())
	gen.AddCommand(generationAddChangeCmd())
	gen.AddCommand(generationRemoveChangeCmd())
	gen.AddCommand(generationPromoteCmd())
	return gen
}

func generationNewCmd() *cobra.Command {
	var description, name, template string
	cmd := &cobra.Command{
		Use:   "new <version>",
		Short: "Create a generation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				g, err := a.Engine.CreateGeneration(ctx, engine.CreateGenerationParams{
					Version:          args[0],
					Description:      description,
					Codename:         name,
					PipelineTemplate: template,
					Actor:            viper.GetString("actor"),
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(g)
				}
				fmt.Printf("Created generation %s (%s)\n", g.Version, g.Codename)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&description, "description", "", "description")
	cmd.Flags().StringVar(&name, "codename", "", "codename (generated when omitted)")
	cmd.Flags().StringVar(&template, "template", "", "default pipeline template")
	return cmd
}

func generationImportCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import a generation from a YAML contract",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(filePath)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				g, err := a.Engine.ImportGeneration(ctx, data, viper.GetString("actor"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(g)
				}
				fmt.Printf("Imported generation %s with %d change(s)\n", g.Version, len(g.Changes))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "path to the contract YAML")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func generationListCmd() *cobra.Command {
	var f repo.GenerationFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List generations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				gens, err := a.Engine.ListGenerations(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(gens)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Version", "Codename", "Status", "Sync", "Created"})
				for _, g := range gens {
					tw.AppendRow(table.Row{g.Version, g.Codename, g.Status, g.SyncStatus, g.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter (draft, promoted)")
	cmd.Flags().StringVar(&f.SyncStatus, "sync-status", "", "sync status filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "maximum rows")
	return cmd
}

func generationShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <version>",
		Short: "Show a generation with its changes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				g, err := a.Engine.GetGeneration(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(g)
			})
		},
	}
	return cmd
}

func generationUpdateCmd() *cobra.Command {
	var description, name, template string
	cmd := &cobra.Command{
		Use:   "update <version>",
		Short: "Update generation fields",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var p engine.UpdateGenerationParams
			if cmd.Flags().Changed("description") {
				p.Description = &description
			}
			if cmd.Flags().Changed("codename") {
				p.Codename = &name
			}
			if cmd.Flags().Changed("template") {
				p.PipelineTemplate = &template
			}
			p.Actor = viper.GetString("actor")
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				g, err := a.Engine.UpdateGeneration(ctx, args[0], p)
				if err != nil {
					return err
				}
				return printJSONOrTable(g)
			})
		},
	}
	cmd.Flags().StringVar(&description, "description", "", "description")
	cmd.Flags().StringVar(&name, "codename", "", "codename")
	cmd.Flags().StringVar(&template, "template", "", "default pipeline template")
	return cmd
}

func generationAddChangeCmd() *cobra.Command {
	var spec engine.ChangeParams
	var pipelines []string
	cmd := &cobra.Command{
		Use:   "add-change <version>",
		Short: "Add a change to a generation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			spec.Pipelines = pipelines
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				c, err := a.Engine.AddChange(ctx, args[0], spec, viper.GetString("actor"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(c)
				}
				fmt.Printf("Added change %s [%s] to %s\n", c.ID, c.Type, args[0])
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&spec.ID, "id", "", "change id (ticket reference)")
	cmd.Flags().StringVar(&spec.Type, "type", "", "change type (add, fix, change, remove)")
	cmd.Flags().StringVar(&spec.Title, "title", "", "title")
	cmd.Flags().StringVar(&spec.Description, "description", "", "description")
	cmd.Flags().StringVar(&spec.Pipeline, "pipeline", "", "primary pipeline")
	cmd.Flags().StringArrayVar(&pipelines, "pipelines", []string{}, "linked pipeline (repeatable)")
	_ = cmd.MarkFlagRequired("id")
	_ = cmd.MarkFlagRequired("type")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func generationRemoveChangeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "remove-change <version> <change-id>",
		Short: "Remove a change from a generation",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if err := a.Engine.RemoveChange(ctx, args[0], args[1], viper.GetString("actor")); err != nil {
					return err
				}
				fmt.Printf("Removed change %s from %s\n", args[1], args[0])
				return nil
			})
		},
	}
	return cmd
}

func generationPromoteCmd() *cobra.Command {
	var minEvolutions int
	var noTag bool
	cmd := &cobra.Command{
		Use:   "promote <version>",
		Short: "Promote a generation through the gates",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				g, err := a.Engine.GetGeneration(ctx, args[0])
				if err != nil {
					return err
				}
				if g.Status == "promoted" {
					return fmt.Errorf("generation %s is already promoted", g.Version)
				}
				gateSet := gates.Default()
				if minEvolutions > 0 {
					gateSet = append(gateSet, gates.MinEvolutions{Min: minEvolutions})
				}
				res, err := a.Engine.Promote(ctx, engine.PromoteParams{
					Version: args[0],
					Gates:   gateSet,
					NoTag:   noTag,
					Actor:   viper.GetString("actor"),
				})
				if err != nil {
					return err
				}
				return printPromotion(res)
			})
		},
	}
	cmd.Flags().IntVar(&minEvolutions, "min-evolutions", 0, "require at least N evolutions per change")
	cmd.Flags().BoolVar(&noTag, "no-tag", false, "skip the release git tag")
	return cmd
}

func printPromotion(res engine.PromotionResult) error {
	if viper.GetBool("json") {
		if err := printJSON(res); err != nil {
			return err
		}
		if !res.Success {
			return errors.New(res.Message)
		}
		return nil
	}
	for _, r := range res.GateResults {
		mark := "✓"
		if !r.Passed {
			mark = "✗"
		}
		fmt.Printf("%s %s: %s\n", mark, r.Gate, r.Message)
	}
	if !res.Success {
		return errors.New(res.Message)
	}
	fmt.Println(res.Message)
	if res.TagCreated {
		fmt.Printf("Created tag %s\n", res.Tag)
	}
	return nil
}

func evolutionCmd() *cobra.Command {
	evo := &cobra.Command{
		Use:   "evolution",
		Short: "Manage evolutions",
		Long:  "Evolutions are proof attempts. Start one to claim the next rc tag, prove it with a pipeline report, or complete it directly from a CI callback.",
	}
	evo.AddCommand(evolutionStartCmd())
	evo.AddCommand(evolutionListCmd())
	evo.AddCommand(evolutionProveCmd())
	evo.AddCommand(evolutionCompleteCmd())
	return evo
}

func evolutionStartCmd() *cobra.Command {
	var changeID string
	var steps []string
	var noTag bool
	cmd := &cobra.Command{
		Use:   "start <version>",
		Short: "Start an evolution for a change",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				evo, err := a.Engine.StartEvolution(ctx, engine.StartEvolutionParams{
					Version:  args[0],
					ChangeID: changeID,
					Steps:    steps,
					NoTag:    noTag,
					Actor:    viper.GetString("actor"),
				})
				if v, ok := policy.AsViolation(err); ok {
					fmt.Printf("✗ Policy violation: %s\n", v.Message)
					return err
				}
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(evo)
				}
				fmt.Printf("Started evolution %s for change %s\n", evo.Tag, evo.ChangeID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&changeID, "change", "", "change id")
	cmd.Flags().StringArrayVar(&steps, "step", []string{}, "planned pipeline step (repeatable, checked against policies)")
	cmd.Flags().BoolVar(&noTag, "no-tag", false, "skip the rc git tag")
	_ = cmd.MarkFlagRequired("change")
	return cmd
}

func evolutionListCmd() *cobra.Command {
	var f repo.EvolutionFilters
	cmd := &cobra.Command{
		Use:   "list <version>",
		Short: "List evolutions of a generation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				evos, err := a.Engine.ListEvolutions(ctx, args[0], f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(evos)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Tag", "Change", "Status", "Started", "Completed"})
				var passed, failed, pending int
				for _, evo := range evos {
					completed := ""
					if evo.CompletedAt != nil {
						completed = *evo.CompletedAt
					}
					switch evo.Status {
					case "pass":
						passed++
					case "fail":
						failed++
					default:
						pending++
					}
					tw.AppendRow(table.Row{evo.Tag, evo.ChangeID, evo.Status, evo.StartedAt, completed})
				}
				tw.Render()
				fmt.Printf("Summary: %d total | %d passed | %d failed | %d pending\n", len(evos), passed, failed, pending)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.ChangeID, "change", "", "change filter")
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter (pending, running, pass, fail)")
	return cmd
}

func evolutionProveCmd() *cobra.Command {
	var report, pipelineName string
	cmd := &cobra.Command{
		Use:   "prove <tag>",
		Short: "Prove an evolution from a pipeline run report",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				var exec pipeline.Executor
				if report != "" {
					exec = pipeline.FileExecutor{Path: report}
				}
				evo, err := a.Engine.Prove(ctx, engine.ProveParams{
					Tag:      args[0],
					Executor: exec,
					Pipeline: pipelineName,
					Actor:    viper.GetString("actor"),
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(evo)
				}
				if evo.Status == "pass" {
					fmt.Printf("✓ Evolution %s passed\n", evo.Tag)
				} else {
					fmt.Printf("✗ Evolution %s failed\n", evo.Tag)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&report, "report", "", "path to the run report JSON")
	cmd.Flags().StringVar(&pipelineName, "pipeline", "", "prove a single pipeline instead of the linked set")
	_ = cmd.MarkFlagRequired("report")
	return cmd
}

func evolutionCompleteCmd() *cobra.Command {
	var status, runID string
	cmd := &cobra.Command{
		Use:   "complete <tag>",
		Short: "Record an evolution result reported by CI",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				evo, err := a.Engine.CompleteEvolution(ctx, args[0], status, runID, viper.GetString("actor"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(evo)
				}
				fmt.Printf("Evolution %s marked %s\n", evo.Tag, evo.Status)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "result (pass or fail)")
	cmd.Flags().StringVar(&runID, "run-id", "", "pipeline run id")
	_ = cmd.MarkFlagRequired("status")
	return cmd
}

func hotfixCmd() *cobra.Command {
	hf := &cobra.Command{
		Use:   "hotfix",
		Short: "Manage hot-fix generations",
		Long:  "Hot-fixes are expedited patch generations stacked on a release. They carry a single fix change and promote through a stricter gate.",
	}
	hf.AddCommand(hotfixCreateCmd())
	hf.AddCommand(hotfixPromoteCmd())
	hf.AddCommand(hotfixListCmd())
	hf.AddCommand(hotfixStatsCmd())
	return hf
}

func hotfixCreateCmd() *cobra.Command {
	var issue, title, description string
	cmd := &cobra.Command{
		Use:   "create <base-version>",
		Short: "Create a hot-fix on top of a release",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				g, err := a.Engine.CreateHotfix(ctx, engine.HotfixParams{
					BaseVersion: args[0],
					IssueID:     issue,
					Title:       title,
					Description: description,
					Actor:       viper.GetString("actor"),
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(g)
				}
				fmt.Printf("Created hot-fix %s (%s)\n", g.Version, g.Description)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&issue, "issue", "", "issue id, becomes the change id")
	cmd.Flags().StringVar(&title, "title", "", "title")
	cmd.Flags().StringVar(&description, "description", "", "description")
	_ = cmd.MarkFlagRequired("issue")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func hotfixPromoteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "promote <version>",
		Short: "Promote a hot-fix through the hot-fix gate",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				res, err := a.Engine.PromoteHotfix(ctx, args[0], viper.GetString("actor"))
				if err != nil {
					return err
				}
				return printPromotion(res)
			})
		},
	}
	return cmd
}

func hotfixListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List hot-fix generations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				gens, err := a.Engine.ListHotfixes(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(gens)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Version", "Status", "Description", "Created"})
				for _, g := range gens {
					tw.AppendRow(table.Row{g.Version, g.Status, g.Description, g.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func hotfixStatsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show hot-fix statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				st, err := a.Engine.HotfixStats(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(st)
				}
				fmt.Printf("Total:    %d\n", st.TotalHotfixes)
				fmt.Printf("Promoted: %d\n", st.PromotedHotfixes)
				fmt.Printf("Pending:  %d\n", st.PendingHotfixes)
				if st.AverageTimeToPromote != nil {
					fmt.Printf("Average time to promote: %.1fh\n", *st.AverageTimeToPromote)
				}
				return nil
			})
		},
	}
	return cmd
}

func syncCmd() *cobra.Command {
	sc := &cobra.Command{
		Use:   "sync",
		Short: "Sync the workspace with the hub",
		Long:  "Explicit hub synchronization. Pull folds hub generations into the workspace additively; push mirrors local generations and evolutions up. Configure credentials with 'sl cloud login'.",
	}
	sc.AddCommand(syncPullCmd())
	sc.AddCommand(syncPushCmd())
	sc.AddCommand(syncPushEvolutionsCmd())
	sc.AddCommand(syncStatusCmd())
	return sc
}

func syncPullCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pull",
		Short: "Pull generations from the hub",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				s, err := a.Sync()
				if err != nil {
					return err
				}
				res, err := s.Pull(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("Pulled %d new, %d updated\n", res.New, res.Updated)
				for _, c := range res.Conflicts {
					fmt.Printf("✗ %s: %s (%s)\n", c.Version, c.Reason, c.Resolution)
				}
				return nil
			})
		},
	}
	return cmd
}

func syncPushCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "push [version]",
		Short: "Push generations to the hub",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ver := ""
			if len(args) == 1 {
				ver = args[0]
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				s, err := a.Sync()
				if err != nil {
					return err
				}
				res, err := s.Push(ctx, ver)
				if err != nil {
					return err
				}
				return printPush(res)
			})
		},
	}
	return cmd
}

func syncPushEvolutionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "push-evolutions <version>",
		Short: "Push the evolutions of a generation to the hub",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				s, err := a.Sync()
				if err != nil {
					return err
				}
				res, err := s.PushEvolutions(ctx, args[0])
				if err != nil {
					return err
				}
				return printPush(res)
			})
		},
	}
	return cmd
}

func printPush(res sync.PushResult) error {
	if viper.GetBool("json") {
		return printJSON(res)
	}
	fmt.Printf("Pushed %d created, %d updated\n", res.Created, res.Updated)
	for _, e := range res.Errors {
		name := e.Version
		if name == "" {
			name = e.Tag
		}
		if e.Resolution != "" {
			fmt.Printf("✗ %s: %s (%s)\n", name, e.Error, e.Resolution)
		} else {
			fmt.Printf("✗ %s: %s\n", name, e.Error)
		}
	}
	return nil
}

func syncStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status [version]",
		Short: "Show sync status",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ver := ""
			if len(args) == 1 {
				ver = args[0]
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				s, err := a.Sync()
				if err != nil {
					return err
				}
				res, err := s.Status(ctx, ver)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				if res.Summary != nil {
					fmt.Printf("Summary: %d total | %d synced | %d pending | %d conflicts\n",
						res.Summary.Total, res.Summary.Synced, res.Summary.Pending, res.Summary.Conflicts)
					tw := table.NewWriter()
					tw.SetOutputMirror(os.Stdout)
					tw.AppendHeader(table.Row{"Version", "Sync", "Remote ID", "Last Synced"})
					for _, g := range res.Generations {
						tw.AppendRow(table.Row{g.Version, g.SyncStatus, strOrEmpty(g.RemoteID), strOrEmpty(g.LastSyncedAt)})
					}
					tw.Render()
					return nil
				}
				g := res.Generation
				fmt.Printf("%s: %s\n", g.Version, g.SyncStatus)
				if g.RemoteID != nil {
					fmt.Printf("Remote ID: %s\n", *g.RemoteID)
				}
				for _, evo := range g.Evolutions {
					fmt.Printf("  %s: %s\n", evo.Tag, evo.SyncStatus)
				}
				return nil
			})
		},
	}
	return cmd
}

func cloudCmd() *cobra.Command {
	cc := &cobra.Command{
		Use:   "cloud",
		Short: "Hub credentials and connectivity",
	}
	cc.AddCommand(cloudLoginCmd())
	cc.AddCommand(cloudStatusCmd())
	return cc
}

func cloudLoginCmd() *cobra.Command {
	var url, username, password, keyID, keySecret string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Store hub credentials after verifying them",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load("")
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("url") {
				cfg.URL = url
			}
			if cmd.Flags().Changed("username") {
				cfg.Username = username
			}
			if cmd.Flags().Changed("password") {
				cfg.Password = password
			}
			if cmd.Flags().Changed("api-key-id") {
				cfg.APIKeyID = keyID
			}
			if cmd.Flags().Changed("api-key-secret") {
				cfg.APIKeySecret = keySecret
			}
			if !cfg.HasCredentials() {
				return fmt.Errorf("credentials required: --username/--password or --api-key-id/--api-key-secret")
			}
			client := cloud.FromConfig(cfg)
			ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
			defer cancel()
			if cfg.APIKeyID != "" && cfg.APIKeySecret != "" {
				if _, err := client.ListGenerations(ctx); err != nil {
					return fmt.Errorf("api key check failed: %w", err)
				}
			} else {
				if _, err := client.Login(ctx); err != nil {
					return fmt.Errorf("login failed: %w", err)
				}
			}
			if err := cfg.Save(""); err != nil {
				return err
			}
			fmt.Printf("✓ Logged in to %s\n", cfg.URL)
			return nil
		},
	}
	cmd.Flags().StringVar(&url, "url", "", "hub base URL")
	cmd.Flags().StringVar(&username, "username", "", "username")
	cmd.Flags().StringVar(&password, "password", "", "password")
	cmd.Flags().StringVar(&keyID, "api-key-id", "", "API key id")
	cmd.Flags().StringVar(&keySecret, "api-key-secret", "", "API key secret")
	return cmd
}

func cloudStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show hub configuration and reachability",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load("")
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
			defer cancel()
			_, healthErr := cloud.FromConfig(cfg).Health(ctx)
			if viper.GetBool("json") {
				return printJSON(map[string]any{
					"url":             cfg.URL,
					"execution_mode":  cfg.ExecutionMode,
					"has_credentials": cfg.HasCredentials(),
					"reachable":       healthErr == nil,
				})
			}
			fmt.Printf("Hub:            %s\n", cfg.URL)
			fmt.Printf("Execution mode: %s\n", cfg.ExecutionMode)
			fmt.Printf("Credentials:    %v\n", cfg.HasCredentials())
			if healthErr != nil {
				fmt.Printf("✗ Hub unreachable: %v\n", healthErr)
			} else {
				fmt.Println("✓ Hub reachable")
			}
			return nil
		},
	}
	return cmd
}

func codenameCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "codename [name]",
		Short: "Generate or validate a codename",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				if !codename.IsValid(args[0]) {
					return fmt.Errorf("invalid codename: %s", args[0])
				}
				fmt.Printf("✓ %s\n", args[0])
				return nil
			}
			fmt.Println(codename.New())
			return nil
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	var n int
	var evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "log",
		Short: "Show the audit trail",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				events, err := a.Engine.AuditTrail(ctx, n, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind filter")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id filter")
	return cmd
}

func apikeyCmd() *cobra.Command {
	ak := &cobra.Command{
		Use:   "apikey",
		Short: "Manage hub API keys",
	}
	ak.AddCommand(apikeyCreateCmd())
	ak.AddCommand(apikeyListCmd())
	return ak
}

func apikeyCreateCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Mint an API key for HMAC-signed hub access",
		RunE: func(cmd *cobra.Command, args []string) error {
			keyID, err := randomHex(6)
			if err != nil {
				return err
			}
			secret, err := randomHex(24)
			if err != nil {
				return err
			}
			key := domain.APIKey{
				ID:      uuid.New().String(),
				Name:    name,
				KeyID:   "ak_" + keyID,
				KeyHash: repo.HashAPIKey("sk_" + secret),
				Secret:  "sk_" + secret,
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if err := a.Engine.Repo.InsertAPIKey(ctx, nil, key); err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]string{"key_id": key.KeyID, "secret": key.Secret, "name": key.Name})
				}
				fmt.Printf("Key ID: %s\n", key.KeyID)
				fmt.Printf("Secret: %s\n", key.Secret)
				fmt.Println("Store the secret now, it is not shown again.")
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "key name")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				keys, err := a.Engine.Repo.ListAPIKeys(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Key ID", "Name", "Created", "Last Used"})
				for _, k := range keys {
					tw.AppendRow(table.Row{k.KeyID, k.Name, k.CreatedAt, strOrEmpty(k.LastUsedAt)})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a shipline hub over this workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				authCfg := server.AuthConfig{
					JWTSecret: a.Config.JWTSecret,
					Username:  a.Config.Username,
					Password:  a.Config.Password,
				}
				if authCfg.JWTSecret == "" {
					authCfg.JWTSecret = os.Getenv("SHIPLINE_JWT_SECRET")
				}
				if authCfg.JWTSecret == "" {
					authCfg.JWTSecret = uuid.New().String()
					log.Printf("serve: generated an ephemeral JWT secret, set jwt_secret in ~/.shipline.yaml to keep logins valid across restarts")
				}
				handler, err := server.New(server.Config{Engine: a.Engine, BasePath: basePath, Auth: authCfg})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				fmt.Printf("Serving Shipline hub on http://%s (API at %s, docs at /docs)\n", addr, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8743", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/api/v1", "API base path")
	return cmd
}

// --- helpers ---

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	a, err := app.Open(app.Options{Workspace: viper.GetString("workspace")})
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
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

func strOrEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func randomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
