package commands

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/openfroyo/activation/pkg/engine"
)

func newHandlersCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "handlers",
		Short: "List the configured handlers",
		Long: `List every handler enabled by the settings with the resource types and
lifecycle steps it accepts, and report pairs claimed by more than one handler.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := loadSettings()
			if err != nil {
				return err
			}
			list, err := settings.Handlers(zerolog.Nop())
			if err != nil {
				return err
			}
			registry := engine.NewRegistry(zerolog.Nop(), list...)

			views := make([]handlerView, 0, len(list))
			for _, h := range registry.Handlers() {
				views = append(views, describeHandler(h))
			}
			conflicts := findConflicts(registry)

			if jsonOutput {
				return printJSON(map[string]interface{}{
					"handlers":  views,
					"conflicts": conflicts,
				})
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "HANDLER\tACCEPTS")
			for _, v := range views {
				fmt.Fprintf(w, "%s\t%s\n", v.Name, strings.Join(v.Accepts, ", "))
			}
			w.Flush()
			for _, c := range conflicts {
				fmt.Printf("\n⚠ %s\n", c)
			}
			return nil
		},
	}

	return cmd
}

type handlerView struct {
	Name    string   `json:"name"`
	Accepts []string `json:"accepts"`
}

func describeHandler(h engine.Handler) handlerView {
	view := handlerView{Name: h.Name()}
	for _, step := range engine.AllSteps() {
		for _, rt := range engine.ResourceTypes() {
			if h.Accept(rt, step) {
				view.Accepts = append(view.Accepts, fmt.Sprintf("%s/%s", rt, step))
			}
		}
	}
	return view
}

// findConflicts lists the pairs that would fail with an ambiguous handler.
func findConflicts(registry *engine.Registry) []string {
	var out []string
	for _, step := range engine.AllSteps() {
		for _, rt := range engine.ResourceTypes() {
			if _, err := registry.Resolve(rt, step); engine.CodeOf(err) == engine.ErrCodeAmbiguousHandler {
				out = append(out, err.Error())
			}
		}
	}
	return out
}
