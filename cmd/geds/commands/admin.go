package commands

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/objectfs/geds/pkg/health"
	"github.com/objectfs/geds/pkg/types"
)

var (
	storeEndpoint  string
	storeAccessKey string
	storeSecretKey string
	relocateForce  bool
)

var registerCmd = &cobra.Command{
	Use:   "register-store <bucket>",
	Short: "Bind a bucket to an S3-compatible endpoint for every client",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return client.RegisterObjectStoreConfig(cmd.Context(), types.ObjectStoreConfig{
			Bucket:      args[0],
			EndpointURL: storeEndpoint,
			AccessKey:   storeAccessKey,
			SecretKey:   storeSecretKey,
		})
	},
}

var storesCmd = &cobra.Command{
	Use:   "stores",
	Short: "List the registered object stores",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		if err := client.SyncObjectStoreConfigs(cmd.Context()); err != nil {
			return err
		}
		cfgs, err := client.ObjectStoreConfigs()
		if err != nil {
			return err
		}
		for _, cfg := range cfgs {
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", cfg.Bucket, cfg.EndpointURL)
		}
		return nil
	},
}

var relocateCmd = &cobra.Command{
	Use:   "relocate",
	Short: "Flush cached objects to their object stores",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		if err := client.Relocate(cmd.Context(), relocateForce); err != nil {
			return err
		}
		stats, err := client.RelocationStats()
		if err != nil {
			return err
		}
		return printJSON(cmd, stats)
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print cache statistics",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		stats, err := client.CacheStats()
		if err != nil {
			return err
		}
		return printJSON(cmd, stats)
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch <bucket/key> <type>",
	Short: "Print change events until interrupted; type is 1 (bucket), 2 (object) or 3 (prefix)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		loc, err := parseLocation(args[0])
		if err != nil {
			return err
		}
		code, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("invalid subscription type %q", args[1])
		}
		typ, err := types.ParseSubscriptionType(code)
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		if err := client.Subscribe(ctx, loc.Bucket, loc.Key, typ); err != nil {
			return err
		}
		<-ctx.Done()
		return nil
	},
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check the metadata service, the cache and every object store",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		report, err := client.Health(cmd.Context())
		if err != nil {
			return err
		}
		if err := printJSON(cmd, report); err != nil {
			return err
		}
		if report.Overall != health.StateHealthy {
			return fmt.Errorf("GEDS is %s", report.Overall)
		}
		return nil
	},
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func init() {
	registerCmd.Flags().StringVar(&storeEndpoint, "endpoint", "", "endpoint URL, e.g. http://localhost:9000")
	registerCmd.Flags().StringVar(&storeAccessKey, "access-key", "", "access key")
	registerCmd.Flags().StringVar(&storeSecretKey, "secret-key", "", "secret key")
	_ = registerCmd.MarkFlagRequired("endpoint")
	relocateCmd.Flags().BoolVar(&relocateForce, "force", true, "flush every cached object, not only above the high watermark")

	rootCmd.AddCommand(registerCmd, storesCmd, relocateCmd, statsCmd, healthCmd, watchCmd)
}
