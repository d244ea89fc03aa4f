package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/cheynewallace/tabby"
	"github.com/dustin/go-humanize"
	"github.com/urfave/cli/v3"

	"github.com/p-arndt/imagebench/internal/reaper"
	"github.com/p-arndt/imagebench/internal/report"
)

func workloadsCommand() *cli.Command {
	return &cli.Command{
		Name:  "workloads",
		Usage: "list the available workloads",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "workloads-file", Usage: "TOML catalog of extra workloads"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, _, err := setup(cmd)
			if err != nil {
				return err
			}
			if cmd.IsSet("workloads-file") {
				cfg.WorkloadsFile = cmd.String("workloads-file")
			}
			cfg.Workloads = nil
			reg, err := loadWorkloads(cfg)
			if err != nil {
				return err
			}

			t := tabby.New()
			t.AddHeader("ID", "Shell", "Description")
			for _, w := range reg.All() {
				shell := w.Shell
				if shell == "" {
					shell = "/bin/sh"
				}
				t.AddLine(w.ID, shell, w.Description)
			}
			t.Print()
			return nil
		},
	}
}

func sweepCommand() *cli.Command {
	return &cli.Command{
		Name:  "sweep",
		Usage: "remove containers left behind by interrupted runs",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, logger, err := setup(cmd)
			if err != nil {
				return err
			}
			st, err := openStore(cfg)
			if err != nil {
				return err
			}
			var rs reaper.ReaperStore
			if st != nil {
				defer st.Close()
				rs = st
			}

			var rt reaper.ReaperRuntime
			if cfg.Runtime == "docker" {
				eng, err := openRuntime(ctx, cfg, logger)
				if err != nil {
					return err
				}
				defer eng.cleanup()
				rt = eng.docker
			}

			n, err := reaper.New(rs, rt, logger).Sweep(ctx, "")
			fmt.Printf("removed %d containers\n", n)
			return err
		},
	}
}

func historyCommand() *cli.Command {
	return &cli.Command{
		Name:  "history",
		Usage: "list past benchmark runs",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "limit", Aliases: []string{"n"}, Value: 20, Usage: "number of runs to show (0 = all)"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, _, err := setup(cmd)
			if err != nil {
				return err
			}
			st, err := openStore(cfg)
			if err != nil {
				return err
			}
			if st == nil {
				return errors.New("run history is disabled (db_path is empty)")
			}
			defer st.Close()

			runs, err := st.ListRuns(cmd.Int("limit"))
			if err != nil {
				return err
			}

			t := tabby.New()
			t.AddHeader("Run", "Started", "Status", "Runtime", "Images", "Workloads", "Succeeded", "Report")
			for _, r := range runs {
				t.AddLine(r.ID, humanize.Time(r.StartedAt), r.Status, r.Runtime,
					strings.Join(r.Images, ","), strings.Join(r.Workloads, ","),
					fmt.Sprintf("%d/%d", r.Succeeded, r.Results), r.ReportDir)
			}
			t.Print()
			return nil
		},
	}
}

func showCommand() *cli.Command {
	return &cli.Command{
		Name:      "show",
		Usage:     "print the summary of a stored report",
		ArgsUsage: "<report.json|report.json.zst>",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			path := cmd.Args().First()
			if path == "" {
				return errors.New("missing report path")
			}
			doc, err := report.Read(path)
			if err != nil {
				return err
			}
			report.PrintHeadline(os.Stdout, doc)
			report.Render(os.Stdout, doc)
			return nil
		},
	}
}
