// Command strata is a maintenance and inspection tool for strata
// stores: point reads and writes, range scans, table and manifest
// dumps, and compressed backup/restore of a quiesced store.
package main

import (
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/klauspost/compress/s2"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/twlk9/strata"
	"github.com/twlk9/strata/sstable"
	"github.com/twlk9/strata/storage"
)

var (
	dir     string
	verbose bool
)

func main() {
	root := &cobra.Command{
		Use:           "strata",
		Short:         "Inspect and maintain strata stores",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&dir, "dir", "d", ".", "store directory")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	root.AddCommand(getCmd(), putCmd(), delCmd(), scanCmd(), syncCmd(),
		versionsCmd(), dumpSSTCmd(), gcCmd(), backupCmd(), restoreCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func logger() *slog.Logger {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func openEngine(readOnly bool) (*strata.Engine, error) {
	opts := strata.DefaultOptions(dir)
	opts.CreateIfMissing = !readOnly
	opts.ReadOnly = readOnly
	opts.Logger = logger()
	return strata.Open(opts)
}

func withEngine(readOnly bool, fn func(e *strata.Engine) error) error {
	e, err := openEngine(readOnly)
	if err != nil {
		return err
	}
	defer e.Close()
	return fn(e)
}

func getCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <key>",
		Short: "Print the value for a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(true, func(e *strata.Engine) error {
				v, err := e.Get([]byte(args[0]))
				if err != nil {
					return err
				}
				fmt.Printf("%s\n", v)
				return nil
			})
		},
	}
}

func putCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "put <key> <value>",
		Short: "Write a key-value pair and sync",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(false, func(e *strata.Engine) error {
				if err := e.Put([]byte(args[0]), []byte(args[1])); err != nil {
					return err
				}
				return e.Sync()
			})
		},
	}
}

func delCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "del <key>",
		Short: "Delete a key and sync",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(false, func(e *strata.Engine) error {
				if err := e.Delete([]byte(args[0])); err != nil {
					return err
				}
				return e.Sync()
			})
		},
	}
}

func scanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "scan <lower> <upper>",
		Short: "Print every live key-value pair in [lower, upper]",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(true, func(e *strata.Engine) error {
				return e.RangeScan([]byte(args[0]), []byte(args[1]), func(k, v []byte) error {
					fmt.Printf("%s=%s\n", k, v)
					return nil
				})
			})
		},
	}
}

func syncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Force an fsync of the live log",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(false, func(e *strata.Engine) error {
				return e.Sync()
			})
		},
	}
}

func versionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "versions",
		Short: "Print the current version's tables per level",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(true, func(e *strata.Engine) error {
				for level, ids := range e.TableIDs() {
					fmt.Printf("level %d: %d tables", level, len(ids))
					for _, id := range ids {
						fmt.Printf(" %d", id)
					}
					fmt.Println()
				}
				return nil
			})
		},
	}
}

func gcCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gc",
		Short: "Remove table files no version references",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(false, func(e *strata.Engine) error {
				return e.GarbageCollect()
			})
		},
	}
}

func dumpSSTCmd() *cobra.Command {
	var withValues bool
	cmd := &cobra.Command{
		Use:   "dump-sst <file>",
		Short: "Decode one table file and print its records",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fs, err := storage.Disk(dir)
			if err != nil {
				return err
			}
			t, err := sstable.Open(fs, args[0], logger())
			if err != nil {
				return err
			}
			// Close the handle without taking ownership of the file.
			defer t.CloseHandle()

			fmt.Printf("table %d  first=%q@%d  last=%q@%d\n",
				t.ID(), t.First().UserKey(), t.First().LSN(), t.Last().UserKey(), t.Last().LSN())
			it, err := t.NewIterator(nil)
			if err != nil {
				return err
			}
			defer it.Close()
			count := 0
			for {
				rec, ok := it.Next()
				if !ok {
					break
				}
				count++
				switch {
				case rec.Deleted:
					fmt.Printf("%q @%d tombstone\n", rec.Key.UserKey(), rec.Key.LSN())
				case withValues:
					fmt.Printf("%q @%d %q\n", rec.Key.UserKey(), rec.Key.LSN(), rec.Value)
				default:
					fmt.Printf("%q @%d %d bytes\n", rec.Key.UserKey(), rec.Key.LSN(), len(rec.Value))
				}
			}
			fmt.Printf("%d records\n", count)
			if errIt, ok := it.(interface{ Err() error }); ok {
				return errIt.Err()
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&withValues, "values", false, "print full values")
	return cmd
}

// Backup archive format, inside an s2 stream: per file a u32 name
// length, the name, a u64 payload size, and the payload.
func backupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "backup <archive>",
		Short: "Write an s2-compressed archive of a quiesced store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fs, err := storage.Disk(dir)
			if err != nil {
				return err
			}
			// Holding the store lock keeps a live engine out while
			// files are copied.
			lock, err := fs.Lock("lock")
			if err != nil {
				if errors.Is(err, storage.ErrLocked) {
					return errors.New("store is in use; close it before backing up")
				}
				return err
			}
			defer lock.Close()

			names, err := fs.List()
			if err != nil {
				return err
			}
			sort.Strings(names)

			out, err := os.Create(args[0])
			if err != nil {
				return err
			}
			defer out.Close()
			zw := s2.NewWriter(out)

			// Readers fan out; the writer drains in name order.
			type payload struct {
				name string
				data []byte
			}
			payloads := make([]payload, 0, len(names))
			var mu sync.Mutex
			var g errgroup.Group
			g.SetLimit(8)
			for _, name := range names {
				if name == "lock" {
					continue
				}
				g.Go(func() error {
					f, err := fs.Open(name)
					if err != nil {
						return err
					}
					defer f.Close()
					data, err := io.ReadAll(f)
					if err != nil {
						return err
					}
					mu.Lock()
					payloads = append(payloads, payload{name: name, data: data})
					mu.Unlock()
					return nil
				})
			}
			if err := g.Wait(); err != nil {
				return err
			}
			sort.Slice(payloads, func(i, j int) bool { return payloads[i].name < payloads[j].name })

			for _, p := range payloads {
				var hdr [4]byte
				binary.LittleEndian.PutUint32(hdr[:], uint32(len(p.name)))
				if _, err := zw.Write(hdr[:]); err != nil {
					return err
				}
				if _, err := zw.Write([]byte(p.name)); err != nil {
					return err
				}
				var size [8]byte
				binary.LittleEndian.PutUint64(size[:], uint64(len(p.data)))
				if _, err := zw.Write(size[:]); err != nil {
					return err
				}
				if _, err := zw.Write(p.data); err != nil {
					return err
				}
				fmt.Printf("archived %s (%d bytes)\n", p.name, len(p.data))
			}
			if err := zw.Close(); err != nil {
				return err
			}
			return out.Sync()
		},
	}
}

func restoreCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restore <archive>",
		Short: "Unpack an archive into an empty store directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fs, err := storage.Disk(dir)
			if err != nil {
				return err
			}
			names, err := fs.List()
			if err != nil {
				return err
			}
			if len(names) > 0 {
				return errors.Newf("refusing to restore into non-empty directory %s", dir)
			}

			in, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer in.Close()
			zr := s2.NewReader(in)

			for {
				var hdr [4]byte
				if _, err := io.ReadFull(zr, hdr[:]); err != nil {
					if errors.Is(err, io.EOF) {
						return nil
					}
					return err
				}
				nameLen := binary.LittleEndian.Uint32(hdr[:])
				if nameLen == 0 || nameLen > 255 {
					return errors.New("archive corrupt: bad name length")
				}
				nameBuf := make([]byte, nameLen)
				if _, err := io.ReadFull(zr, nameBuf); err != nil {
					return err
				}
				var size [8]byte
				if _, err := io.ReadFull(zr, size[:]); err != nil {
					return err
				}
				data := make([]byte, binary.LittleEndian.Uint64(size[:]))
				if _, err := io.ReadFull(zr, data); err != nil {
					return err
				}
				f, err := fs.Create(string(nameBuf))
				if err != nil {
					return err
				}
				if _, err := f.Write(data); err != nil {
					f.Close()
					return err
				}
				if err := f.Sync(); err != nil {
					f.Close()
					return err
				}
				if err := f.Close(); err != nil {
					return err
				}
				fmt.Printf("restored %s (%d bytes)\n", nameBuf, len(data))
			}
		},
	}
}
