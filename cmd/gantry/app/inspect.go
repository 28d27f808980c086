// SPDX-FileCopyrightText: Copyright 2025 Gantry Authors
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/olekukonko/tablewriter/tw"
	"github.com/spf13/cobra"

	"github.com/gantry-mcp/gantry/pkg/config"
	"github.com/gantry-mcp/gantry/pkg/prompts"
	"github.com/gantry-mcp/gantry/pkg/resources"
	"github.com/gantry-mcp/gantry/pkg/scope"
	"github.com/gantry-mcp/gantry/pkg/skills"
	"github.com/gantry-mcp/gantry/pkg/tools"
)

// newInspectCmd creates the inspect command for printing the resolved
// configuration and, with --demo, the demo app inventory
func newInspectCmd() *cobra.Command {
	var demo bool
	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Print the resolved configuration and scope inventory",
		Long: `Print the configuration the gateway would run with, after defaults
are applied, as a table. Secrets are redacted. With --demo the built-in
demo app's tools, resources, prompts and skills are listed as well.`,
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if err := renderConfig(os.Stdout, cfg); err != nil {
				return err
			}
			if !demo {
				return nil
			}
			sc, err := demoScope()
			if err != nil {
				return fmt.Errorf("failed to build demo app: %w", err)
			}
			defer sc.Destroy()
			return renderInventory(os.Stdout, sc, demoSkills())
		},
	}
	cmd.Flags().BoolVar(&demo, "demo", false, "Include the built-in demo app inventory")
	return cmd
}

// newTable builds a bordered, left-aligned table with the given header.
func newTable(w io.Writer, header []string) *tablewriter.Table {
	table := tablewriter.NewWriter(w)
	table.Options(
		tablewriter.WithHeader(header),
		tablewriter.WithRendition(
			tw.Rendition{
				Borders: tw.Border{
					Left:   tw.State(1),
					Top:    tw.State(1),
					Right:  tw.State(1),
					Bottom: tw.State(1),
				},
			},
		),
		tablewriter.WithAlignment(tw.MakeAlign(len(header), tw.AlignLeft)),
	)
	return table
}

func renderTable(w io.Writer, header []string, rows [][]string) error {
	table := newTable(w, header)
	for _, row := range rows {
		if err := table.Append(row); err != nil {
			return fmt.Errorf("failed to append row: %w", err)
		}
	}
	if err := table.Render(); err != nil {
		return fmt.Errorf("failed to render table: %w", err)
	}
	return nil
}

// renderConfig renders the resolved configuration table to w.
func renderConfig(w io.Writer, cfg *config.Config) error {
	return renderTable(w, []string{"Setting", "Value"}, configRows(cfg))
}

// renderInventory prints a scope's tools, resources and prompts, plus the
// skill set that goes with it, one table per kind.
func renderInventory(w io.Writer, sc *scope.Scope, skillSet []*skills.Skill) error {
	if err := renderTable(w, []string{"Tool", "Description", "Notes"},
		toolRows(sc.ToolFinder().List())); err != nil {
		return err
	}
	if err := renderTable(w, []string{"Resource", "URI", "MIME Type"},
		resourceRows(sc.ResourceFinder().List())); err != nil {
		return err
	}
	if err := renderTable(w, []string{"Prompt", "Description", "Arguments"},
		promptRows(sc.PromptFinder().List())); err != nil {
		return err
	}
	return renderTable(w, []string{"Skill", "Tools", "Tags"}, skillRows(skillSet))
}

func toolRows(list []*tools.Tool) [][]string {
	rows := make([][]string, 0, len(list))
	for _, t := range list {
		rows = append(rows, []string{t.ID(), t.Description, toolNotes(t)})
	}
	return rows
}

// toolNotes summarizes pipeline behavior that the name alone does not
// show: caching, approval and retry policies, skill gating.
func toolNotes(t *tools.Tool) string {
	var notes []string
	if t.Cache != nil {
		notes = append(notes, fmt.Sprintf("cached %s", t.Cache.TTL))
	}
	if t.Approval != nil {
		notes = append(notes, "approval gated")
	}
	if t.Retry != nil {
		notes = append(notes, fmt.Sprintf("retries %d", t.Retry.MaxRetries))
	}
	if t.RequiredSkill != "" {
		notes = append(notes, "requires skill "+t.RequiredSkill)
	}
	return strings.Join(notes, ", ")
}

func resourceRows(list []*resources.Resource) [][]string {
	rows := make([][]string, 0, len(list))
	for _, r := range list {
		uri := r.URI
		if r.IsTemplate() {
			uri = r.Template + " (template)"
		}
		rows = append(rows, []string{r.ID(), uri, r.MIMEType})
	}
	return rows
}

func promptRows(list []*prompts.Prompt) [][]string {
	rows := make([][]string, 0, len(list))
	for _, p := range list {
		args := make([]string, 0, len(p.Arguments))
		for _, a := range p.Arguments {
			name := a.Name
			if a.Required {
				name += "*"
			}
			args = append(args, name)
		}
		rows = append(rows, []string{p.ID(), p.Description, strings.Join(args, ", ")})
	}
	return rows
}

func skillRows(list []*skills.Skill) [][]string {
	rows := make([][]string, 0, len(list))
	for _, s := range list {
		rows = append(rows, []string{s.ID, strings.Join(s.Tools, ", "), strings.Join(s.Tags, ", ")})
	}
	return rows
}

// configRows flattens the configuration into table rows. Redis passwords
// never appear; only whether one is set.
func configRows(cfg *config.Config) [][]string {
	listen := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	if cfg.Port == 0 {
		listen += " (ephemeral)"
	}

	rows := [][]string{
		{"name", cfg.Name},
		{"listen", listen},
		{"transports", strings.Join(cfg.Transports.Enabled, ", ")},
		{"transports.idle_timeout", cfg.Transports.IdleTimeout.String()},
		{"auth.mode", cfg.Auth.Mode},
	}
	if cfg.Auth.Mode == "local" {
		rows = append(rows, []string{"auth.local_user", cfg.Auth.LocalUser})
	}

	rows = append(rows,
		[]string{"sessions.store", describeStore(cfg.Sessions.Store)},
		[]string{"sessions.ttl", cfg.Sessions.TTL.String()},
	)
	if cfg.Sessions.RateLimit.PerSecond > 0 {
		rows = append(rows, []string{"sessions.rate_limit",
			fmt.Sprintf("%.3g/s, burst %d", cfg.Sessions.RateLimit.PerSecond, cfg.Sessions.RateLimit.Burst)})
	} else {
		rows = append(rows, []string{"sessions.rate_limit", "off"})
	}

	sealing := "off"
	if cfg.Elicitation.SealKeyEnv != "" {
		sealing = fmt.Sprintf("on (key from $%s)", cfg.Elicitation.SealKeyEnv)
	}
	rows = append(rows,
		[]string{"elicitation.store", describeStore(cfg.Elicitation.Store)},
		[]string{"elicitation.default_ttl", cfg.Elicitation.DefaultTTL.String()},
		[]string{"elicitation.sealing", sealing},
		[]string{"cache", fmt.Sprintf("%d entries, ttl %s", cfg.Cache.MaxEntries, cfg.Cache.DefaultTTL)},
	)

	authz := "off"
	if cfg.Authz.Enabled {
		authz = fmt.Sprintf("cedar (%s)", cfg.Authz.PolicyFile)
	}
	rows = append(rows, []string{"authz", authz})

	telemetry := "prometheus only"
	if cfg.Telemetry.OTLPEndpoint != "" {
		telemetry = fmt.Sprintf("otlp %s, sampling %.3g", cfg.Telemetry.OTLPEndpoint, cfg.Telemetry.SamplingRate)
	}
	rows = append(rows,
		[]string{"telemetry", telemetry},
		[]string{"skills.index_path", cfg.Skills.IndexPath},
		[]string{"logging.level", cfg.Logging.Level},
	)

	return rows
}

func describeStore(s config.StoreConfig) string {
	if s.Type != "redis" {
		return s.Type
	}
	auth := ""
	if s.Redis.Password != "" {
		auth = ", password set"
	}
	return fmt.Sprintf("redis (%s db %d%s)", s.Redis.Addr, s.Redis.DB, auth)
}
