package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/rendis/orchestra/internal/registry"
	"github.com/rendis/orchestra/pkg/schema"
)

// TemplatesCmd lists the workflow templates available to workflow.from_template.
type TemplatesCmd struct{}

func (c *TemplatesCmd) Run(cli *CLI) error {
	cfg, err := cli.config()
	if err != nil {
		return err
	}
	templates, err := loadTemplates(cfg.TemplatesDir)
	if err != nil {
		return err
	}
	return printTemplates(os.Stdout, templates.List())
}

// loadTemplates returns the built-in templates plus any found in dir.
func loadTemplates(dir string) (*registry.Templates, error) {
	templates, err := registry.NewTemplates()
	if err != nil {
		return nil, err
	}
	if dir != "" {
		if _, err := templates.LoadDir(dir); err != nil {
			return nil, fmt.Errorf("load templates from %s: %w", dir, err)
		}
	}
	return templates, nil
}

func printTemplates(w io.Writer, list []*schema.WorkflowTemplate) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tSTEPS\tAGENTS")
	for _, tpl := range list {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", tpl.ID, tpl.Name, len(tpl.Steps), strings.Join(tpl.Agents, ","))
	}
	return tw.Flush()
}
