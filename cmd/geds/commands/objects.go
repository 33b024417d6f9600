package commands

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/objectfs/geds/pkg/types"
	"github.com/objectfs/geds/pkg/utils"
)

const chunkSize = 1 << 20

var (
	putMetadata  string
	putOverwrite bool
	lsRecursive  bool
	usePrefix    bool
)

var mbCmd = &cobra.Command{
	Use:   "mb <bucket>",
	Short: "Create a bucket",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return client.CreateBucket(cmd.Context(), args[0])
	},
}

var mkdirCmd = &cobra.Command{
	Use:   "mkdir <bucket/path>",
	Short: "Create the directory markers of a path and its parents",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		loc, err := parseLocation(args[0])
		if err != nil {
			return err
		}
		return client.Mkdirs(cmd.Context(), loc.Bucket, loc.Key)
	},
}

var putCmd = &cobra.Command{
	Use:   "put <bucket/key> [file]",
	Short: "Upload a local file, or stdin, as a sealed object",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		loc, err := parseObject(args[0])
		if err != nil {
			return err
		}

		var src io.Reader = cmd.InOrStdin()
		if len(args) == 2 && args[1] != "-" {
			file, err := os.Open(args[1])
			if err != nil {
				return err
			}
			defer file.Close()
			src = file
		}

		ctx := cmd.Context()
		f, err := client.Create(ctx, loc.Bucket, loc.Key, putOverwrite)
		if err != nil {
			return err
		}
		defer f.Close()

		buf := make([]byte, chunkSize)
		var offset int64
		for {
			n, rerr := io.ReadFull(src, buf)
			if n > 0 {
				if err := f.Write(ctx, buf[:n], offset); err != nil {
					return err
				}
				offset += int64(n)
			}
			if errors.Is(rerr, io.EOF) || errors.Is(rerr, io.ErrUnexpectedEOF) {
				break
			}
			if rerr != nil {
				return rerr
			}
		}

		if cmd.Flags().Changed("metadata") {
			err = f.SetMetadata(ctx, putMetadata, true)
		} else {
			err = f.Seal(ctx)
		}
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", loc, utils.FormatBytes(offset))
		return nil
	},
}

var catCmd = &cobra.Command{
	Use:   "cat <bucket/key>",
	Short: "Write an object to stdout",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		loc, err := parseObject(args[0])
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		f, err := client.Open(ctx, loc.Bucket, loc.Key)
		if err != nil {
			return err
		}
		defer f.Close()

		out := bufio.NewWriter(cmd.OutOrStdout())
		buf := make([]byte, chunkSize)
		for offset := int64(0); offset < f.Size(); {
			n, err := f.Read(ctx, buf, offset)
			if err != nil {
				return err
			}
			if n == 0 {
				break
			}
			if _, err := out.Write(buf[:n]); err != nil {
				return err
			}
			offset += int64(n)
		}
		return out.Flush()
	},
}

var statCmd = &cobra.Command{
	Use:   "stat <bucket/key>",
	Short: "Describe an object or a folder",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		loc, err := parseLocation(args[0])
		if err != nil {
			return err
		}
		status, err := client.Status(cmd.Context(), loc.Bucket, loc.Key)
		if err != nil {
			return err
		}
		printStatuses(cmd, []types.FileStatus{status})
		return nil
	},
}

var lsCmd = &cobra.Command{
	Use:   "ls <bucket/prefix>",
	Short: "List the children of a folder, or every key with --recursive",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		loc, err := parseLocation(args[0])
		if err != nil {
			return err
		}
		var entries []types.FileStatus
		if lsRecursive {
			entries, err = client.List(cmd.Context(), loc.Bucket, loc.Key)
		} else {
			entries, err = client.ListFolder(cmd.Context(), loc.Bucket, loc.Key)
		}
		if err != nil {
			return err
		}
		printStatuses(cmd, entries)
		return nil
	},
}

var rmCmd = &cobra.Command{
	Use:   "rm <bucket/key>",
	Short: "Delete an object, or every object under a prefix with --prefix",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if usePrefix {
			loc, err := parseLocation(args[0])
			if err != nil {
				return err
			}
			return client.DeleteObjectPrefix(cmd.Context(), loc.Bucket, loc.Key)
		}
		loc, err := parseObject(args[0])
		if err != nil {
			return err
		}
		return client.DeleteObject(cmd.Context(), loc.Bucket, loc.Key)
	},
}

var mvCmd = &cobra.Command{
	Use:   "mv <src> <dst>",
	Short: "Rename a sealed object, or every object under a prefix with --prefix",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		src, dst, err := parsePair(args)
		if err != nil {
			return err
		}
		if usePrefix {
			return client.RenamePrefix(cmd.Context(), src.Bucket, src.Key, dst.Bucket, dst.Key)
		}
		return client.Rename(cmd.Context(), src.Bucket, src.Key, dst.Bucket, dst.Key)
	},
}

var cpCmd = &cobra.Command{
	Use:   "cp <src> <dst>",
	Short: "Copy a sealed object, or every object under a prefix with --prefix",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		src, dst, err := parsePair(args)
		if err != nil {
			return err
		}
		if usePrefix {
			return client.CopyPrefix(cmd.Context(), src.Bucket, src.Key, dst.Bucket, dst.Key)
		}
		return client.Copy(cmd.Context(), src.Bucket, src.Key, dst.Bucket, dst.Key)
	},
}

func parsePair(args []string) (location, location, error) {
	parse := parseObject
	if usePrefix {
		parse = parseLocation
	}
	src, err := parse(args[0])
	if err != nil {
		return location{}, location{}, err
	}
	dst, err := parse(args[1])
	if err != nil {
		return location{}, location{}, err
	}
	return src, dst, nil
}

func printStatuses(cmd *cobra.Command, entries []types.FileStatus) {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	for _, e := range entries {
		if e.IsDirectory {
			fmt.Fprintf(w, "DIR\t-\t%s/\n", e.Key)
			continue
		}
		fmt.Fprintf(w, "OBJ\t%s\t%s\n", utils.FormatBytes(e.Size), e.Key)
	}
	_ = w.Flush()
}

func init() {
	putCmd.Flags().StringVar(&putMetadata, "metadata", "", "user metadata stored with the object")
	putCmd.Flags().BoolVar(&putOverwrite, "overwrite", false, "replace an existing object")
	lsCmd.Flags().BoolVarP(&lsRecursive, "recursive", "r", false, "list every key under the prefix")
	for _, cmd := range []*cobra.Command{rmCmd, mvCmd, cpCmd} {
		cmd.Flags().BoolVar(&usePrefix, "prefix", false, "apply to every object under the prefix")
	}

	rootCmd.AddCommand(mbCmd, mkdirCmd, putCmd, catCmd, statCmd, lsCmd, rmCmd, mvCmd, cpCmd)
}
