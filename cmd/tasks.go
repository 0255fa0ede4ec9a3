package main

import (
	"context"
	"encoding/json"
	"io"
	"os"

	"applytrail/internal/config"
	"applytrail/internal/importer"
	"applytrail/internal/reminder"
	"applytrail/internal/sweeper"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func sweepCommand(load configLoader, build builder) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Expire overdue schedules once and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			rep, err := runSweepOnce(cmd.Context(), cfg, build)
			if err != nil {
				return err
			}
			return writeReport(cmd.OutOrStdout(), rep)
		},
	}
}

func remindCommand(load configLoader, build builder) *cobra.Command {
	return &cobra.Command{
		Use:   "remind",
		Short: "Send due reminders once and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			rep, err := runRemindOnce(cmd.Context(), cfg, build)
			if err != nil {
				return err
			}
			return writeReport(cmd.OutOrStdout(), rep)
		},
	}
}

func importCommand(load configLoader, build builder) *cobra.Command {
	var userID, file string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import application events from a YAML or JSON file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			data, err := os.ReadFile(file)
			if err != nil {
				return errors.Wrapf(err, "read %s", file)
			}
			items, err := runImport(cmd.Context(), cfg, build, userID, data)
			if err != nil {
				return err
			}
			if err := writeReport(cmd.OutOrStdout(), map[string]any{"items": items}); err != nil {
				return err
			}
			failed := 0
			for _, item := range items {
				if !item.OK {
					failed++
				}
			}
			if failed > 0 {
				return errors.Newf("%d of %d imports failed", failed, len(items))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user id that owns the imported events")
	cmd.Flags().StringVar(&file, "file", "", "YAML or JSON file with a list of events")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

// runSweepOnce 对外暴露单次扫描，便于外部 cron 调用。
func runSweepOnce(ctx context.Context, cfg config.Config, build builder) (sweeper.Report, error) {
	deps, cleanup, err := build(ctx, cfg)
	if err != nil {
		return sweeper.Report{}, err
	}
	defer cleanup()
	return deps.sched.RunSweep(ctx)
}

// runRemindOnce 对外暴露单次提醒派发。
func runRemindOnce(ctx context.Context, cfg config.Config, build builder) (reminder.Report, error) {
	deps, cleanup, err := build(ctx, cfg)
	if err != nil {
		return reminder.Report{}, err
	}
	defer cleanup()
	return deps.sched.RunReminders(ctx)
}

// runImport 解析事件列表并批量导入，单条失败记录在结果里。
func runImport(ctx context.Context, cfg config.Config, build builder, userID string, data []byte) ([]importer.BulkItem, error) {
	if userID == "" {
		return nil, errors.New("user id required")
	}
	raws, err := parseEvents(data)
	if err != nil {
		return nil, err
	}
	deps, cleanup, err := build(ctx, cfg)
	if err != nil {
		return nil, err
	}
	defer cleanup()
	return deps.imports.ImportBulk(ctx, userID, raws), nil
}

// parseEvents 接受顶层列表或 {items: [...]}；JSON 是 YAML 的子集，统一用 yaml 解析。
func parseEvents(data []byte) ([]map[string]any, error) {
	var list []map[string]any
	if err := yaml.Unmarshal(data, &list); err == nil {
		if len(list) == 0 {
			return nil, errors.New("no events in file")
		}
		return list, nil
	}
	var wrapped struct {
		Items []map[string]any `yaml:"items"`
	}
	if err := yaml.Unmarshal(data, &wrapped); err != nil {
		return nil, errors.Wrap(err, "parse events")
	}
	if len(wrapped.Items) == 0 {
		return nil, errors.New("no events in file")
	}
	return wrapped.Items, nil
}

func writeReport(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return errors.Wrap(err, "write report")
	}
	return nil
}
