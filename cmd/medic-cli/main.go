package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"medic/internal/config"
	"medic/internal/decision/action"
	"medic/pkg/model"
	"medic/pkg/store"
)

var (
	etcdEndpoints []string
	timeout       time.Duration
	role          string
)

func main() {
	root := &cobra.Command{
		Use:          "medic-cli",
		Short:        "Inspect and operate a medic cluster through etcd",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringSliceVar(&etcdEndpoints, "etcd", []string{"localhost:2379"}, "etcd endpoints")
	root.PersistentFlags().DurationVar(&timeout, "timeout", 5*time.Second, "per-command timeout")

	configCmd := &cobra.Command{Use: "config", Short: "Read or replace the analysis config of a role"}
	configCmd.PersistentFlags().StringVar(&role, "role", "default", "role the config applies to (data, coordinator, default)")
	configCmd.AddCommand(configGetCmd(), configPutCmd())

	root.AddCommand(
		nodesCmd(),
		coordinatorCmd(),
		actionsCmd(),
		configCmd,
		muteCmd(true),
		muteCmd(false),
		enabledCmd(true),
		enabledCmd(false),
	)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// withEtcd 连接 etcd 并带超时执行 fn
func withEtcd(fn func(ctx context.Context, e *store.EtcdManager) error) error {
	e, err := store.NewEtcdManager(etcdEndpoints, zap.NewNop())
	if err != nil {
		return fmt.Errorf("connect etcd: %w", err)
	}
	defer e.Close()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return fn(ctx, e)
}

func roleArg() model.Role {
	if role == "default" {
		return model.RoleUnknown
	}
	return model.Role(role)
}

func nodesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "nodes",
		Short: "List nodes currently heartbeating",
		RunE: func(*cobra.Command, []string) error {
			return withEtcd(func(ctx context.Context, e *store.EtcdManager) error {
				nodes, err := e.ListNodes(ctx)
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tENDPOINT\tROLE\tSTATUS\tLAST HEARTBEAT")
				for _, n := range nodes {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", n.ID, n.Endpoint(), n.Role, n.Status,
						time.Unix(n.LastHeartbeat, 0).Format(time.RFC3339))
				}
				return w.Flush()
			})
		},
	}
}

func coordinatorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "coordinator",
		Short: "Show the elected coordinator",
		RunE: func(*cobra.Command, []string) error {
			return withEtcd(func(ctx context.Context, e *store.EtcdManager) error {
				leader, err := e.Leader(ctx)
				if err != nil {
					return err
				}
				fmt.Println(leader)
				return nil
			})
		},
	}
}

func actionsCmd() *cobra.Command {
	var limit int
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "actions",
		Short: "List recently published actions (newest first)",
		RunE: func(*cobra.Command, []string) error {
			return withEtcd(func(ctx context.Context, e *store.EtcdManager) error {
				recs, err := e.ListActions(ctx, limit)
				if err != nil {
					return err
				}
				if asJSON {
					enc := json.NewEncoder(os.Stdout)
					enc.SetIndent("", "  ")
					return enc.Encode(recs)
				}
				w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "TIME\tACTION\tRESOURCE\tNODES\tSUMMARY")
				for _, r := range recs {
					nodes := make([]string, 0, len(r.Nodes))
					for _, n := range r.Nodes {
						nodes = append(nodes, n.String())
					}
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", r.Timestamp.Format(time.RFC3339), r.Name,
						r.Resource, strings.Join(nodes, ","), r.Summary)
				}
				return w.Flush()
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "max actions to show")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print raw records")
	return cmd
}

func configGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get",
		Short: "Print the stored config",
		RunE: func(*cobra.Command, []string) error {
			return withEtcd(func(ctx context.Context, e *store.EtcdManager) error {
				data, rev, err := e.GetConfig(ctx, roleArg())
				if err != nil {
					return err
				}
				fmt.Printf("# revision %d\n%s", rev, data)
				return nil
			})
		},
	}
}

func configPutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "put <file>",
		Short: "Validate a yaml file and store it",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			if _, err := config.Parse(data); err != nil {
				return err
			}
			return withEtcd(func(ctx context.Context, e *store.EtcdManager) error {
				if err := e.PutConfig(ctx, roleArg(), data); err != nil {
					return err
				}
				fmt.Printf("config for role %q stored\n", role)
				return nil
			})
		},
	}
}

// muteCmd 修改 mute 列表并回写；名称在客户端先校验一遍
func muteCmd(mute bool) *cobra.Command {
	var vertices, actions []string
	use, short := "mute", "Add vertices or actions to the mute lists"
	if !mute {
		use, short = "unmute", "Remove vertices or actions from the mute lists"
	}
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(*cobra.Command, []string) error {
			if len(vertices) == 0 && len(actions) == 0 {
				return fmt.Errorf("nothing to %s: pass --vertex or --action", use)
			}
			return withEtcd(func(ctx context.Context, e *store.EtcdManager) error {
				data, _, err := e.GetConfig(ctx, roleArg())
				if err != nil {
					return err
				}
				cfg, err := config.Parse(data)
				if err != nil {
					return err
				}
				if mute {
					if _, invalid, _ := config.ResolveMutes(vertices, cfg.VertexNames()); len(invalid) > 0 {
						return fmt.Errorf("unknown vertices: %s", strings.Join(invalid, ", "))
					}
					if _, invalid, _ := config.ResolveMutes(actions, action.Names()); len(invalid) > 0 {
						return fmt.Errorf("unknown actions: %s", strings.Join(invalid, ", "))
					}
				}
				cfg.MutedVertices = editList(cfg.MutedVertices, vertices, mute)
				cfg.MutedActions = editList(cfg.MutedActions, actions, mute)

				out, err := cfg.Marshal()
				if err != nil {
					return err
				}
				if err := e.PutConfig(ctx, roleArg(), out); err != nil {
					return err
				}
				fmt.Printf("muted vertices: %v\nmuted actions: %v\n", cfg.MutedVertices, cfg.MutedActions)
				return nil
			})
		},
	}
	cmd.Flags().StringSliceVar(&vertices, "vertex", nil, "vertex names")
	cmd.Flags().StringSliceVar(&actions, "action", nil, "action names ("+strings.Join(actionNames(), ", ")+")")
	cmd.Flags().StringVar(&role, "role", "default", "role whose config is edited")
	return cmd
}

// enabledCmd 写本机的启用开关文件，sidecar 下一轮 poll 生效
func enabledCmd(enabled bool) *cobra.Command {
	var path string
	use := "enable"
	if !enabled {
		use = "disable"
	}
	cmd := &cobra.Command{
		Use:   use,
		Short: "Write the local enabled flag file",
		RunE: func(*cobra.Command, []string) error {
			if err := config.WriteEnabledFlag(path, enabled); err != nil {
				return err
			}
			fmt.Printf("%s: %v\n", path, enabled)
			return nil
		},
	}
	cmd.Flags().StringVar(&path, "file", "/var/lib/medic/enabled", "enabled flag file")
	return cmd
}

func editList(list, names []string, add bool) []string {
	set := make(map[string]struct{}, len(list))
	for _, n := range list {
		set[n] = struct{}{}
	}
	for _, n := range names {
		if add {
			set[n] = struct{}{}
		} else {
			delete(set, n)
		}
	}
	out := make([]string, 0, len(set))
	for _, n := range list {
		if _, ok := set[n]; ok {
			out = append(out, n)
			delete(set, n)
		}
	}
	for _, n := range names {
		if _, ok := set[n]; ok {
			out = append(out, n)
			delete(set, n)
		}
	}
	return out
}

func actionNames() []string {
	names := make([]string, 0)
	for n := range action.Names() {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
