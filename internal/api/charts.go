package api

import (
	"bytes"
	"fmt"
	"net/http"
	"time"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
)

// handleZoneChart renders zone occupancy, reservations and capacity as a
// grouped bar chart (HTML).
func (s *Server) handleZoneChart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	snap := s.zones.Snapshot()
	if len(snap) == 0 {
		s.writeJSONError(w, http.StatusNotFound, "no zones configured")
		return
	}

	x := make([]string, 0, len(snap))
	occupied := make([]opts.BarData, 0, len(snap))
	reserved := make([]opts.BarData, 0, len(snap))
	capacity := make([]opts.BarData, 0, len(snap))
	for _, z := range snap {
		x = append(x, z.ID)
		occupied = append(occupied, opts.BarData{Value: z.Occupancy})
		reserved = append(reserved, opts.BarData{Value: z.Reserved})
		capacity = append(capacity, opts.BarData{Value: z.Capacity})
	}

	stats := s.orch.Stats()
	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Sorter Zones", Width: "100%", Height: "600px"}),
		charts.WithTitleOpts(opts.Title{
			Title:    "Zone Occupancy",
			Subtitle: fmt.Sprintf("%s succeeded=%d failed=%d rejected=%d", time.Now().Format(time.RFC3339), stats.Succeeded, stats.Failed, stats.Rejected),
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
		charts.WithYAxisOpts(opts.YAxis{Name: "objects"}),
	)
	bar.SetXAxis(x).
		AddSeries("occupancy", occupied, charts.WithLabelOpts(opts.Label{Show: opts.Bool(true), Position: "top"})).
		AddSeries("reserved", reserved).
		AddSeries("capacity", capacity, charts.WithItemStyleOpts(opts.ItemStyle{Color: "#9e9e9e"}))

	page := components.NewPage()
	page.AddCharts(bar)

	var buf bytes.Buffer
	if err := page.Render(&buf); err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("render error: %v", err))
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}
