package main

import (
	"archive/tar"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"jumith/internal/config"
	"jumith/internal/fsutil"
)

// Archive layout: the config and database sit at the top level, the tool
// install tree below tools/.
const (
	archiveDB    = "jumith.db"
	archiveTools = "tools/"
)

func backupCmd() *cobra.Command {
	var outputPath string
	var withTools bool

	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Create a backup of Jumith data (database + config)",
		Long: `Creates a compressed .tar.gz archive containing the SQLite database
and configuration file, and optionally the installed tools. The backup is
timestamped by default.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := config.ExpandPath(resolveConfigPath())
			cfg, err := config.LoadOrDefault(cfgPath)
			if err != nil {
				return err
			}

			if outputPath == "" {
				backupDir := filepath.Join(config.DefaultConfigDir(), "backups")
				if err := os.MkdirAll(backupDir, 0o700); err != nil {
					return fmt.Errorf("cannot create backup directory: %w", err)
				}
				ts := time.Now().Format("20060102-150405")
				outputPath = filepath.Join(backupDir, fmt.Sprintf("jumith-backup-%s.tar.gz", ts))
			}

			var entries []archiveEntry
			dbPath := cfg.Storage.DBPath
			if _, err := os.Stat(dbPath); err == nil {
				entries = append(entries, archiveEntry{path: dbPath, name: archiveDB})
				for _, suffix := range []string{"-wal", "-shm"} {
					if _, err := os.Stat(dbPath + suffix); err == nil {
						entries = append(entries, archiveEntry{path: dbPath + suffix, name: archiveDB + suffix})
					}
				}
			}
			if _, err := os.Stat(cfgPath); err == nil {
				entries = append(entries, archiveEntry{path: cfgPath, name: filepath.Base(cfgPath)})
			}
			if withTools {
				toolEntries, err := walkTools(cfg.Tools.Root)
				if err != nil {
					return err
				}
				entries = append(entries, toolEntries...)
			}

			if len(entries) == 0 {
				return fmt.Errorf("no files to backup (db: %s, config: %s)", dbPath, cfgPath)
			}
			if err := createTarGz(outputPath, entries); err != nil {
				return fmt.Errorf("backup failed: %w", err)
			}

			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "Backup created: %s\n", outputPath)
			fmt.Fprintf(w, "Files included: %d\n", len(entries))
			for _, e := range entries {
				if strings.HasPrefix(e.name, archiveTools) {
					continue
				}
				info, _ := os.Stat(e.path)
				size := int64(0)
				if info != nil {
					size = info.Size()
				}
				fmt.Fprintf(w, "  - %s (%s)\n", e.name, humanSize(size))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&outputPath, "file", "f", "", "output file path (default: ~/.jumith/backups/jumith-backup-<timestamp>.tar.gz)")
	cmd.Flags().BoolVar(&withTools, "with-tools", false, "include the installed tool tree")
	return cmd
}

func restoreCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "restore [file.tar.gz]",
		Short: "Restore Jumith data from a backup archive",
		Long: `Restores the SQLite database, configuration file and any archived tools
from a .tar.gz backup created by 'jumith backup'.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := config.ExpandPath(resolveConfigPath())
			cfg, err := config.LoadOrDefault(cfgPath)
			if err != nil {
				return err
			}
			dbPath := cfg.Storage.DBPath

			if !force {
				_, dbErr := os.Stat(dbPath)
				_, cfgErr := os.Stat(cfgPath)
				if dbErr == nil || cfgErr == nil {
					w := cmd.OutOrStdout()
					fmt.Fprintf(w, "WARNING: This will overwrite existing data.\n")
					fmt.Fprintf(w, "  Database: %s\n", dbPath)
					fmt.Fprintf(w, "  Config:   %s\n", cfgPath)
					return fmt.Errorf("restore aborted (use --force to proceed)")
				}
			}

			restored, err := extractTarGz(args[0], restoreTargets{
				db:     dbPath,
				config: cfgPath,
				tools:  cfg.Tools.Root,
			})
			if err != nil {
				return fmt.Errorf("restore failed: %w", err)
			}

			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "Restore completed from: %s\n", args[0])
			fmt.Fprintf(w, "Files restored: %d\n", len(restored))
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing data without warning")
	return cmd
}

type archiveEntry struct {
	path string // on disk
	name string // inside the archive
}

// walkTools lists every regular file under the tool root, skipping the
// staging and trash directories left by interrupted installs.
func walkTools(root string) ([]archiveEntry, error) {
	var entries []archiveEntry
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() && (strings.HasPrefix(d.Name(), ".staging-") || strings.HasPrefix(d.Name(), ".trash-")) {
			return filepath.SkipDir
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		entries = append(entries, archiveEntry{path: path, name: archiveTools + filepath.ToSlash(rel)})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk tool tree: %w", err)
	}
	return entries, nil
}

func createTarGz(outputPath string, entries []archiveEntry) error {
	outFile, err := os.OpenFile(outputPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	defer outFile.Close()

	gzWriter := gzip.NewWriter(outFile)
	defer gzWriter.Close()

	tarWriter := tar.NewWriter(gzWriter)
	defer tarWriter.Close()

	for _, e := range entries {
		if err := addFileToTar(tarWriter, e); err != nil {
			return fmt.Errorf("add %s: %w", e.path, err)
		}
	}
	return nil
}

func addFileToTar(tw *tar.Writer, e archiveEntry) error {
	file, err := os.Open(e.path)
	if err != nil {
		return err
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return err
	}
	header, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return err
	}
	header.Name = e.name

	if err := tw.WriteHeader(header); err != nil {
		return err
	}
	_, err = io.Copy(tw, file)
	return err
}

type restoreTargets struct {
	db, config, tools string
}

// target maps an archive name to its destination. Tool paths are confined
// to the tool root.
func (t restoreTargets) target(name string) (string, error) {
	if rel, ok := strings.CutPrefix(name, archiveTools); ok {
		return fsutil.Within(t.tools, rel)
	}
	switch {
	case name == archiveDB:
		return t.db, nil
	case name == archiveDB+"-wal":
		return t.db + "-wal", nil
	case name == archiveDB+"-shm":
		return t.db + "-shm", nil
	case strings.HasPrefix(name, "config."):
		return t.config, nil
	}
	return "", fmt.Errorf("unexpected archive entry %q", name)
}

func extractTarGz(archivePath string, targets restoreTargets) ([]string, error) {
	file, err := os.Open(archivePath)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	gzReader, err := gzip.NewReader(file)
	if err != nil {
		return nil, fmt.Errorf("not a valid gzip file: %w", err)
	}
	defer gzReader.Close()

	tarReader := tar.NewReader(gzReader)
	var restored []string
	for {
		header, err := tarReader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if header.Typeflag != tar.TypeReg {
			continue
		}

		targetPath, err := targets.target(header.Name)
		if err != nil {
			return nil, err
		}
		if err := os.MkdirAll(filepath.Dir(targetPath), 0o755); err != nil {
			return nil, err
		}
		outFile, err := os.OpenFile(targetPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, header.FileInfo().Mode().Perm())
		if err != nil {
			return nil, fmt.Errorf("create %s: %w", targetPath, err)
		}
		if _, err := io.Copy(outFile, tarReader); err != nil {
			outFile.Close()
			return nil, fmt.Errorf("extract %s: %w", targetPath, err)
		}
		outFile.Close()
		restored = append(restored, targetPath)
	}
	return restored, nil
}

func humanSize(bytes int64) string {
	const (
		kb = 1024
		mb = 1024 * kb
		gb = 1024 * mb
	)
	switch {
	case bytes >= gb:
		return fmt.Sprintf("%.1f GB", float64(bytes)/float64(gb))
	case bytes >= mb:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(mb))
	case bytes >= kb:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(kb))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}
