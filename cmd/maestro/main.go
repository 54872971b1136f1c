// Command maestro drives the agent orchestration platform from the
// terminal: process a request, inspect sessions, resume interrupted
// runs, and answer clarification questions.
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/maestroframework/maestro/checkpoint"
	"github.com/maestroframework/maestro/completion"
	"github.com/maestroframework/maestro/core"
	"github.com/maestroframework/maestro/meta"
	"github.com/maestroframework/maestro/orchestrator"
	"github.com/maestroframework/maestro/sandbox"
)

type cliFlags struct {
	configPath string
	redisURL   string
	session    string
	useSandbox bool
	dockerHost string
	business   bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	flags := &cliFlags{}
	root := &cobra.Command{
		Use:           "maestro",
		Short:         "Agent orchestration platform",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flags.configPath, "config", "", "path to a YAML config file")
	root.PersistentFlags().StringVar(&flags.redisURL, "redis-url", "", "Redis URL (overrides config)")

	root.AddCommand(
		newProcessCmd(flags),
		newSessionsCmd(flags),
		newResumeCmd(flags),
		newAgentsCmd(flags),
		newLogsCmd(flags),
	)
	return root
}

// platform is everything a CLI command needs, wired once per invocation.
type platform struct {
	cfg    *core.Config
	store  core.StateStore
	orch   *orchestrator.Orchestrator
	meta   *meta.MetaOrchestrator
	logger core.Logger
}

func buildPlatform(flags *cliFlags) (*platform, error) {
	cfg := core.DefaultConfig()
	if flags.configPath != "" {
		if err := cfg.LoadFromFile(flags.configPath); err != nil {
			return nil, err
		}
	}
	cfg.LoadFromEnv()
	if flags.redisURL != "" {
		cfg.RedisURL = flags.redisURL
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := core.NewJSONLogger(core.ParseLogLevel(cfg.LogLevel))
	store, err := core.NewRedisStore(core.RedisStoreOptions{RedisURL: cfg.RedisURL, Logger: logger})
	if err != nil {
		return nil, err
	}

	completer, err := completion.NewAnthropicClient(completion.AnthropicOptions{Logger: logger})
	if err != nil {
		return nil, err
	}

	var mgr *sandbox.Manager
	if flags.useSandbox {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		runtime, err := sandbox.NewDockerRuntime(ctx, sandbox.DockerOptions{Host: flags.dockerHost, Logger: logger})
		if err != nil {
			return nil, err
		}
		mgr, err = sandbox.NewManager(sandbox.ManagerOptions{
			Runtime: runtime,
			Ceilings: sandbox.Ceilings{
				CPUCores: cfg.MaxCPUCores,
				MemoryMB: cfg.MaxMemoryMB,
				Timeout:  cfg.DefaultTimeout,
			},
			Logger: logger,
		})
		if err != nil {
			return nil, err
		}
	}

	checkpoints := checkpoint.NewStore(store, checkpoint.Options{
		CheckpointTTL: cfg.CheckpointTTL,
		SessionTTL:    cfg.SessionTimeout,
		Logger:        logger,
	})
	orch, err := orchestrator.New(orchestrator.Options{
		Checkpoints: checkpoints,
		Completion:  completer,
		Sandbox:     mgr,
		MaxRetries:  cfg.MaxRetries,
		Progress: func(node string, percent int, message string) {
			fmt.Printf("[%3d%%] %s\n", percent, message)
		},
		Logger: logger,
	})
	if err != nil {
		return nil, err
	}
	metaOrch, err := meta.New(meta.Options{
		Orchestrator:   orch,
		Store:          store,
		Completion:     completer,
		ContextRefresh: cfg.BusinessContextRefresh,
		Logger:         logger,
	})
	if err != nil {
		return nil, err
	}
	return &platform{cfg: cfg, store: store, orch: orch, meta: metaOrch, logger: logger}, nil
}

func newProcessCmd(flags *cliFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "process [request]",
		Short: "Run a request through the pipeline",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := buildPlatform(flags)
			if err != nil {
				return err
			}
			session := flags.session
			if session == "" {
				session = "session_" + uuid.NewString()[:8]
			}
			request := strings.Join(args, " ")
			ctx := cmd.Context()

			if flags.business {
				resp, err := p.meta.Process(ctx, session, request)
				if err != nil {
					return err
				}
				printState(session, resp.State)
				if resp.BusinessGuidance != nil {
					fmt.Printf("Guidance: %s\n", resp.BusinessGuidance.Reasoning)
					for _, s := range resp.BusinessGuidance.Suggestions {
						fmt.Printf("  - %s\n", s)
					}
				}
				fmt.Printf("Category: %s (%.0f%% confidence, %dms)\n",
					resp.Metadata.Category, resp.Metadata.Confidence*100, resp.Metadata.ProcessingMS)
				return nil
			}

			state, err := p.orch.Process(ctx, session, request)
			if err != nil {
				return err
			}
			if state.NeedsClarification {
				return clarifyInteractively(ctx, p.orch, session, state)
			}
			printState(session, state)
			return nil
		},
	}
	cmd.Flags().StringVar(&flags.session, "session", "", "session id (generated when empty)")
	cmd.Flags().BoolVar(&flags.business, "business", false, "route through the business layer")
	cmd.Flags().BoolVar(&flags.useSandbox, "sandbox", false, "execute the generated agent in Docker")
	cmd.Flags().StringVar(&flags.dockerHost, "docker-host", "", "Docker host (defaults to the environment)")
	return cmd
}

// clarifyInteractively prompts for each clarification question on stdin
// and re-runs the pipeline with the answers.
func clarifyInteractively(ctx context.Context, orch *orchestrator.Orchestrator, session string, state *orchestrator.State) error {
	fmt.Println("I need a little more detail:")
	for _, s := range state.Suggestions {
		fmt.Printf("  e.g. %s\n", s)
	}
	reader := bufio.NewReader(os.Stdin)
	answers := map[string]string{}
	for _, q := range state.ClarificationQuestions {
		fmt.Printf("%s\n> ", q)
		line, err := reader.ReadString('\n')
		if err != nil {
			return err
		}
		answers[q] = strings.TrimSpace(line)
	}
	resumed, err := orch.Clarify(ctx, session, answers)
	if err != nil {
		return err
	}
	printState(session, resumed)
	return nil
}

func printState(session string, state *orchestrator.State) {
	fmt.Printf("Session:  %s\n", session)
	fmt.Printf("Status:   %s\n", state.DeploymentStatus)
	if state.ErrorMessage != "" {
		fmt.Printf("Error:    %s\n", state.ErrorMessage)
	}
	if spec := state.AgentSpec; spec != nil {
		fmt.Printf("Agent:    %s v%s (%s)\n", spec.Name, spec.Version, spec.ID)
		fmt.Printf("About:    %s\n", spec.Description)
		caps := make([]string, 0, len(spec.Capabilities))
		for _, c := range spec.Capabilities {
			caps = append(caps, string(c))
		}
		fmt.Printf("Can do:   %s\n", strings.Join(caps, ", "))
	}
	if status, ok := state.ExecutionContext["exit_status"].(string); ok {
		fmt.Printf("Sandbox:  %s (worker %v)\n", status, state.ExecutionContext["worker_id"])
	}
}

func newSessionsCmd(flags *cliFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "sessions",
		Short: "List checkpointed sessions, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := buildPlatform(flags)
			if err != nil {
				return err
			}
			sessions, err := p.orch.ListSessions(cmd.Context())
			if err != nil {
				return err
			}
			if len(sessions) == 0 {
				fmt.Println("No sessions.")
				return nil
			}
			for _, s := range sessions {
				fmt.Printf("%-24s %-12s %-20s %s\n",
					s.Session, s.Status, s.Timestamp.Format(time.RFC3339), truncate(s.Request, 60))
			}
			return nil
		},
	}
}

func newResumeCmd(flags *cliFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "resume <session> [new request]",
		Short: "Resume an interrupted session from its last checkpoint",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := buildPlatform(flags)
			if err != nil {
				return err
			}
			newRequest := strings.Join(args[1:], " ")
			state, err := p.orch.Resume(cmd.Context(), args[0], newRequest)
			if err != nil {
				return err
			}
			printState(args[0], state)
			return nil
		},
	}
}

func newAgentsCmd(flags *cliFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "agents <session>",
		Short: "List the agents a session owns",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := buildPlatform(flags)
			if err != nil {
				return err
			}
			agents, err := p.orch.Agents(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if len(agents) == 0 {
				fmt.Println("No agents.")
				return nil
			}
			sort.Slice(agents, func(i, j int) bool { return agents[i].Name < agents[j].Name })
			for _, a := range agents {
				fmt.Printf("%-40s v%-8s %s\n", a.Name, a.Version, a.Status)
			}
			return nil
		},
	}
}

func newLogsCmd(flags *cliFlags) *cobra.Command {
	var tail int
	cmd := &cobra.Command{
		Use:   "logs <worker-id>",
		Short: "Show the trailing logs of a sandbox worker",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			flags.useSandbox = true
			p, err := buildPlatform(flags)
			if err != nil {
				return err
			}
			out, err := p.orch.AgentLogs(cmd.Context(), args[0], tail)
			if err != nil {
				return err
			}
			fmt.Println(out)
			return nil
		},
	}
	cmd.Flags().IntVar(&tail, "tail", 50, "number of trailing lines")
	cmd.Flags().StringVar(&flags.dockerHost, "docker-host", "", "Docker host (defaults to the environment)")
	return cmd
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
