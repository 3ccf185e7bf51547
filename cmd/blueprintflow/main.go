// =============================================================================
// BlueprintFlow 主入口
// =============================================================================
// 工作流图的命令行工具：模拟运行、校验，以及 HTTP 服务
//
// 使用方法:
//
//	blueprintflow run --graph "[START>A/SUCCESS, A>END/SUCCESS]"
//	blueprintflow run --file deploy.yaml --fail build --inputs a,b,c
//	blueprintflow validate --file deploy.yaml --output yaml
//	blueprintflow serve --config config.yaml
//	blueprintflow version
// =============================================================================

package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/blueprintflow/config"
	"github.com/BaSui01/blueprintflow/internal/audit"
	"github.com/BaSui01/blueprintflow/internal/ctxkeys"
	"github.com/BaSui01/blueprintflow/internal/telemetry"
	"github.com/BaSui01/blueprintflow/workflow"
	"github.com/BaSui01/blueprintflow/workflow/simulation"
)

// =============================================================================
// 📦 版本信息（构建时注入）
// =============================================================================

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// 退出码
const (
	exitOK             = 0
	exitError          = 1
	exitWorkflowFailed = 2
)

// errWorkflowFailed 至少一个实例以 FAILURE 结束
var errWorkflowFailed = errors.New("workflow finished with FAILURE")

// =============================================================================
// 🎯 主函数
// =============================================================================

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// run 分发子命令并返回退出码
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		printUsage(stderr)
		return exitError
	}

	var err error
	switch args[0] {
	case "run":
		err = runWorkflow(ctx, args[1:], stdout, stderr)
	case "validate":
		err = runValidate(args[1:], stdout, stderr)
	case "serve":
		err = runServe(ctx, args[1:], stderr)
	case "version":
		printVersion(stdout)
	case "help", "-h", "--help":
		printUsage(stdout)
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n", args[0])
		printUsage(stderr)
		return exitError
	}

	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, flag.ErrHelp):
		return exitOK
	case errors.Is(err, errWorkflowFailed):
		return exitWorkflowFailed
	default:
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitError
	}
}

// =============================================================================
// ▶️ run 命令
// =============================================================================

// runOutput 是 run 命令为每个输入打印的一行 JSON
type runOutput struct {
	Input       string             `json:"input"`
	WorkflowID  string             `json:"workflow_id"`
	ExecutionID string             `json:"execution_id,omitempty"`
	Layers      int                `json:"layers"`
	Report      *simulation.Report `json:"report,omitempty"`
	Error       string             `json:"error,omitempty"`
}

func runWorkflow(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(stderr)
	graphFlag := fs.String("graph", "", "Graph notation, e.g. \"[START>A/SUCCESS, A>END/SUCCESS]\"")
	fileFlag := fs.String("file", "", "Workflow definition file (YAML or JSON)")
	failFlag := fs.String("fail", "", "Comma-separated nodes that complete with FAILURE")
	errorFlag := fs.String("error", "", "Comma-separated nodes whose execution returns an error")
	delayFlag := fs.String("delay", "", "Comma-separated node=duration delays, e.g. A=5ms,B=1s")
	timeoutFlag := fs.Duration("timeout", 0, "Workflow timeout (0 uses the configured value)")
	inputsFlag := fs.String("inputs", "", "Comma-separated inputs; each runs as its own instance")
	idFlag := fs.String("workflow-id", "", "Workflow id (generated when empty)")
	configPath := fs.String("config", "", "Path to config file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	graph, err := loadGraph(*graphFlag, *fileFlag)
	if err != nil {
		return err
	}

	plan, err := buildPlan(*failFlag, *errorFlag, *delayFlag)
	if err != nil {
		return err
	}
	planOpts, err := plan.Options()
	if err != nil {
		return err
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	// stdout 只输出 JSON 结果
	cfg.Log.OutputPaths = []string{"stderr"}
	logger := initLogger(cfg.Log)
	defer func() { _ = logger.Sync() }()

	providers, err := telemetry.Init(cfg.Telemetry, logger)
	if err != nil {
		logger.Warn("failed to initialize telemetry", zap.Error(err))
	}
	defer func() { _ = providers.Shutdown(context.WithoutCancel(ctx)) }()

	engineOpts := []workflow.Option{
		workflow.WithLogger(logger),
		workflow.WithConfig(cfg.Engine),
		workflow.WithTracer(providers.Tracer()),
	}
	if *timeoutFlag > 0 {
		engineOpts = append(engineOpts, workflow.WithWorkflowTimeout(*timeoutFlag))
	}
	if cfg.Audit.Enabled {
		store, err := audit.Open(cfg.Audit, logger)
		if err != nil {
			return fmt.Errorf("failed to open audit store: %w", err)
		}
		defer func() { _ = store.Close() }()
		engineOpts = append(engineOpts, workflow.WithAuditRecorder(audit.NewRecorder(store, logger)))
	}

	executor := simulation.New(append(planOpts, simulation.WithLogger(logger))...)
	engine := workflow.NewEngine[string, simulation.Report](executor, engineOpts...)
	defer engine.Close()

	inputs := splitList(*inputsFlag)
	if len(inputs) == 0 {
		inputs = []string{""}
	}

	// 同一次调用的所有实例共享一个请求 ID，便于在审计中关联
	ctx = ctxkeys.WithRequestID(ctx, uuid.NewString())

	outputs := make([]runOutput, len(inputs))
	g, gctx := errgroup.WithContext(ctx)
	for i, input := range inputs {
		wfID := *idFlag
		if wfID != "" && len(inputs) > 1 {
			wfID = fmt.Sprintf("%s-%d", wfID, i+1)
		}
		g.Go(func() error {
			res, err := engine.Run(gctx, graph, wfID, input)
			out := runOutput{Input: input, WorkflowID: wfID}
			if res != nil {
				out.WorkflowID = res.WorkflowID
				out.Report = &res.Output
				if res.History != nil {
					out.ExecutionID = res.History.ExecutionID
					out.Layers = res.History.Layers
				}
			}
			if err != nil {
				out.Error = err.Error()
			}
			outputs[i] = out
			return err
		})
	}
	runErr := g.Wait()

	enc := json.NewEncoder(stdout)
	failed := false
	for _, out := range outputs {
		if err := enc.Encode(out); err != nil {
			return err
		}
		if out.Report != nil && out.Report.Status == workflow.EdgeLabelFailure {
			failed = true
		}
	}

	if runErr != nil {
		return runErr
	}
	if failed {
		return errWorkflowFailed
	}
	return nil
}

// buildPlan 将命令行参数转换为模拟计划
func buildPlan(fail, errs, delays string) (simulation.Plan, error) {
	plan := simulation.Plan{
		Outcomes: make(map[string]workflow.EdgeLabel),
		Errors:   splitList(errs),
		Delays:   make(map[string]string),
	}
	for _, id := range splitList(fail) {
		plan.Outcomes[id] = workflow.EdgeLabelFailure
	}
	for _, pair := range splitList(delays) {
		id, d, ok := strings.Cut(pair, "=")
		if !ok || id == "" {
			return plan, fmt.Errorf("invalid delay %q, expected node=duration", pair)
		}
		plan.Delays[strings.TrimSpace(id)] = strings.TrimSpace(d)
	}
	return plan, nil
}

// =============================================================================
// ✅ validate 命令
// =============================================================================

func runValidate(args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("validate", flag.ContinueOnError)
	fs.SetOutput(stderr)
	graphFlag := fs.String("graph", "", "Graph notation")
	fileFlag := fs.String("file", "", "Workflow definition file (YAML or JSON)")
	output := fs.String("output", "notation", "Output format: notation, yaml, json")
	name := fs.String("name", "workflow", "Definition name for yaml/json output")
	if err := fs.Parse(args); err != nil {
		return err
	}

	graph, err := loadGraph(*graphFlag, *fileFlag)
	if err != nil {
		return err
	}

	switch *output {
	case "notation":
		_, err = fmt.Fprintln(stdout, graph.String())
	case "yaml":
		var out string
		if out, err = workflow.DefinitionFromGraph(*name, graph).ToYAML(); err == nil {
			_, err = fmt.Fprint(stdout, out)
		}
	case "json":
		var out string
		if out, err = workflow.DefinitionFromGraph(*name, graph).ToJSON(); err == nil {
			_, err = fmt.Fprintln(stdout, out)
		}
	default:
		err = fmt.Errorf("unsupported output format: %s (supported: notation, yaml, json)", *output)
	}
	return err
}

// loadGraph 从记法或定义文件加载图，两者必须二选一
func loadGraph(notation, file string) (*workflow.Graph, error) {
	switch {
	case notation != "" && file != "":
		return nil, errors.New("--graph and --file are mutually exclusive")
	case notation != "":
		return workflow.Parse(notation)
	case file != "":
		return workflow.LoadGraph(file)
	default:
		return nil, errors.New("one of --graph or --file is required")
	}
}

// =============================================================================
// 🖥️ serve 命令
// =============================================================================

func runServe(ctx context.Context, args []string, stderr io.Writer) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "Path to config file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}

	logger := initLogger(cfg.Log)
	defer func() { _ = logger.Sync() }()

	logger.Info("Starting BlueprintFlow",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("git_commit", GitCommit),
	)

	providers, err := telemetry.Init(cfg.Telemetry, logger)
	if err != nil {
		logger.Warn("failed to initialize telemetry", zap.Error(err))
	}

	srv := NewServer(cfg, logger, providers)
	if err := srv.Start(); err != nil {
		return err
	}
	if err := srv.Wait(ctx); err != nil {
		return err
	}

	logger.Info("BlueprintFlow stopped")
	return nil
}

// =============================================================================
// 📋 版本和帮助
// =============================================================================

func printVersion(w io.Writer) {
	fmt.Fprintf(w, "BlueprintFlow %s\n", Version)
	fmt.Fprintf(w, "  Build Time: %s\n", BuildTime)
	fmt.Fprintf(w, "  Git Commit: %s\n", GitCommit)
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, `BlueprintFlow - workflow graph execution engine

Usage:
  blueprintflow <command> [options]

Commands:
  run       Run a workflow graph with the simulation executor
  validate  Parse a workflow graph and print it in canonical form
  serve     Start the HTTP API server
  version   Show version information
  help      Show this help message

Options for 'run':
  --graph <notation>     Graph notation, e.g. "[START>A/SUCCESS, A>END/SUCCESS]"
  --file <path>          Workflow definition file (YAML or JSON)
  --fail A,B             Nodes that complete with FAILURE
  --error C              Nodes whose execution returns an error
  --delay D=5ms          Per-node execution delays
  --timeout 1s           Workflow timeout
  --inputs x,y           Run one instance per input concurrently
  --workflow-id <id>     Workflow id
  --config <path>        Path to configuration file (YAML)

Options for 'validate':
  --graph / --file       Graph source
  --output <format>      notation (default), yaml or json

Options for 'serve':
  --config <path>        Path to configuration file (YAML)

Exit codes:
  0  success
  1  invalid input or engine error
  2  at least one workflow finished with FAILURE

Examples:
  blueprintflow run --graph "[START>A/SUCCESS, A>B/SUCCESS, A>C/FAILURE, B>END/SUCCESS, C>END/SUCCESS]" --fail A
  blueprintflow validate --file deploy.yaml --output yaml
  blueprintflow serve --config /etc/blueprintflow/config.yaml`)
}

// =============================================================================
// 🔧 配置与日志
// =============================================================================

func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.NewLoader().
		WithConfigPath(path).
		WithValidator(func(c *config.Config) error { return c.Validate() }).
		Load()
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

func initLogger(cfg config.LogConfig) *zap.Logger {
	var level zapcore.Level
	switch cfg.Level {
	case "debug":
		level = zapcore.DebugLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	default:
		level = zapcore.InfoLevel
	}

	var encoderConfig zapcore.EncoderConfig
	encoding := "json"
	if cfg.Format == "console" {
		encoding = "console"
		encoderConfig = zap.NewDevelopmentEncoderConfig()
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		encoderConfig = zap.NewProductionEncoderConfig()
		encoderConfig.TimeKey = "timestamp"
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	outputPaths := cfg.OutputPaths
	if len(outputPaths) == 0 {
		outputPaths = []string{"stdout"}
	}

	zapConfig := zap.Config{
		Level:             zap.NewAtomicLevelAt(level),
		Development:       encoding == "console",
		Encoding:          encoding,
		EncoderConfig:     encoderConfig,
		OutputPaths:       outputPaths,
		ErrorOutputPaths:  []string{"stderr"},
		DisableCaller:     !cfg.EnableCaller,
		DisableStacktrace: !cfg.EnableStacktrace,
	}

	logger, err := zapConfig.Build()
	if err != nil {
		// 回退到基本 logger
		logger, _ = zap.NewProduction()
	}
	return logger
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
