package main

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/spf13/cobra"
)

func newCacheCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Manage the cache archives stored on this machine",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List the projects with stored caches",
		RunE: func(cmd *cobra.Command, args []string) error {
			projects, err := cachedProjects()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Caches:")
			for _, project := range projects {
				fmt.Fprintf(cmd.OutOrStdout(), "\t%s\n", project)
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "clear",
		Short: "Delete every stored cache archive",
		RunE: func(cmd *cobra.Command, args []string) error {
			base, err := cacheBaseDir()
			if err != nil {
				return err
			}
			projects, err := cachedProjects()
			if err != nil {
				return err
			}
			for _, project := range projects {
				if err := os.RemoveAll(filepath.Join(base, project)); err != nil {
					return err
				}
			}
			return nil
		},
	})

	return cmd
}

func cacheBaseDir() (string, error) {
	base, err := os.UserCacheDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "poddipe"), nil
}

func cachedProjects() ([]string, error) {
	base, err := cacheBaseDir()
	if err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(base)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var projects []string
	for _, entry := range entries {
		if entry.IsDir() {
			projects = append(projects, entry.Name())
		}
	}
	sort.Strings(projects)

	return projects, nil
}
