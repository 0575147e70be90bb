// Command tachyon runs and inspects assembled programs.
package main

import (
	"fmt"
	"os"
	"sort"

	"github.com/rcrowley/go-metrics"
	"go.uber.org/zap"
	"gopkg.in/urfave/cli.v1"

	"tachyon/internal/config"
	"tachyon/internal/tasm"
	"tachyon/internal/vm"
)

var version = "0.3.0"

func main() {
	app := cli.NewApp()
	app.Name = "tachyon"
	app.Usage = "register bytecode interpreter with an adaptive loop compiler"
	app.Version = version
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "config, c",
			Usage: "TOML configuration `FILE`",
			Value: "tachyon.toml",
		},
		cli.BoolFlag{
			Name:  "debug",
			Usage: "verbose engine logging",
		},
	}
	app.Commands = []cli.Command{
		{
			Name:      "run",
			Usage:     "assemble and execute a program",
			ArgsUsage: "FILE",
			Flags: []cli.Flag{
				cli.BoolFlag{
					Name:  "no-jit",
					Usage: "keep every loop interpreted",
				},
				cli.BoolFlag{
					Name:  "stats",
					Usage: "print engine counters after the run",
				},
			},
			Action: runCmd,
		},
		{
			Name:      "dis",
			Usage:     "assemble a program and print its listing",
			ArgsUsage: "FILE",
			Action:    disCmd,
		},
	}
	sort.Sort(cli.CommandsByName(app.Commands))

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newLogger(ctx *cli.Context) (*zap.Logger, error) {
	if ctx.GlobalBool("debug") {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func assembleArg(ctx *cli.Context) (string, []byte, error) {
	if ctx.NArg() != 1 {
		return "", nil, cli.NewExitError("exactly one program file required", 1)
	}
	path := ctx.Args().First()
	src, err := os.ReadFile(path)
	if err != nil {
		return "", nil, cli.NewExitError(err.Error(), 1)
	}
	return path, src, nil
}

func runCmd(ctx *cli.Context) error {
	path, src, err := assembleArg(ctx)
	if err != nil {
		return err
	}
	chunk, err := tasm.Assemble(path, string(src))
	if err != nil {
		return cli.NewExitError(err.Error(), 1)
	}

	log, err := newLogger(ctx)
	if err != nil {
		return err
	}
	defer log.Sync()

	cfg, err := config.Load(ctx.GlobalString("config"))
	if err != nil {
		return cli.NewExitError(err.Error(), 1)
	}
	if ctx.Bool("no-jit") {
		cfg.JIT.Enabled = false
	}

	machine, err := vm.New(cfg, log)
	if err != nil {
		return cli.NewExitError(err.Error(), 1)
	}
	defer machine.Close()

	result, err := machine.Run(chunk)
	if err != nil {
		return cli.NewExitError(err.Error(), 1)
	}
	if !result.IsNil() {
		fmt.Println(result)
	}
	if ctx.Bool("stats") {
		printStats(machine)
	}
	return nil
}

func disCmd(ctx *cli.Context) error {
	path, src, err := assembleArg(ctx)
	if err != nil {
		return err
	}
	chunk, err := tasm.Assemble(path, string(src))
	if err != nil {
		return cli.NewExitError(err.Error(), 1)
	}
	fmt.Print(chunk.Disassemble())
	return nil
}

func printStats(machine *vm.VM) {
	fmt.Fprintf(os.Stderr, "backend: %s\n", machine.JITBackend())
	names := []string{
		"vm.instructions", "vm.ic_hits", "vm.ic_misses", "vm.hot_patches",
		"jit.compiles", "jit.deopts", "jit.rejects", "jit.native_runs",
	}
	for _, name := range names {
		if c, ok := metrics.DefaultRegistry.Get(name).(metrics.Counter); ok {
			fmt.Fprintf(os.Stderr, "%-16s %d\n", name, c.Count())
		}
	}
}
