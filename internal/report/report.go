package report

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/signalnine/hypertune/internal/result"
)

type EstimatorSummary struct {
	Estimator   string   `json:"estimator"`
	Trials      int      `json:"trials"`
	SuccessRate float64  `json:"success_rate"`
	BestLoss    *float64 `json:"best_loss"`
	MeanLoss    *float64 `json:"mean_loss"`
	MeanCostS   float64  `json:"mean_cost_s"`
}

// Source is the record store query the summary report needs.
type Source interface {
	Summaries(ctx context.Context) ([]result.Summary, error)
}

// Generate summarises the recorded trials per estimator.
func Generate(ctx context.Context, src Source, format string, w io.Writer) error {
	rows, err := src.Summaries(ctx)
	if err != nil {
		return err
	}
	summaries := aggregate(rows)

	switch format {
	case "markdown":
		return writeMarkdown(summaries, w)
	case "json":
		return writeJSON(summaries, w)
	default:
		return writeTable(summaries, w)
	}
}

func aggregate(rows []result.Summary) []EstimatorSummary {
	summaries := make([]EstimatorSummary, 0, len(rows))
	for _, r := range rows {
		s := EstimatorSummary{
			Estimator: r.Estimator,
			Trials:    r.Trials,
			BestLoss:  r.BestLoss,
			MeanLoss:  r.MeanLoss,
			MeanCostS: r.MeanCost,
		}
		if r.Trials > 0 {
			s.SuccessRate = float64(r.Succeeded) / float64(r.Trials)
		}
		summaries = append(summaries, s)
	}
	// Best estimators first; estimators without a success last.
	sort.SliceStable(summaries, func(i, j int) bool {
		a, b := summaries[i].BestLoss, summaries[j].BestLoss
		switch {
		case a == nil || b == nil:
			return a != nil && b == nil
		case *a != *b:
			return *a < *b
		}
		return summaries[i].Estimator < summaries[j].Estimator
	})
	return summaries
}

func loss(v *float64) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprintf("%.4f", *v)
}

func writeTable(summaries []EstimatorSummary, w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ESTIMATOR\tTRIALS\tSUCCESS RATE\tBEST LOSS\tMEAN LOSS\tMEAN COST")
	fmt.Fprintln(tw, strings.Repeat("-", 80))
	for _, s := range summaries {
		fmt.Fprintf(tw, "%s\t%d\t%.0f%%\t%s\t%s\t%.2fs\n",
			s.Estimator, s.Trials, s.SuccessRate*100, loss(s.BestLoss), loss(s.MeanLoss), s.MeanCostS)
	}
	return tw.Flush()
}

func writeMarkdown(summaries []EstimatorSummary, w io.Writer) error {
	fmt.Fprintln(w, "| Estimator | Trials | Success Rate | Best Loss | Mean Loss | Mean Cost |")
	fmt.Fprintln(w, "|---|---|---|---|---|---|")
	for _, s := range summaries {
		fmt.Fprintf(w, "| %s | %d | %.0f%% | %s | %s | %.2fs |\n",
			s.Estimator, s.Trials, s.SuccessRate*100, loss(s.BestLoss), loss(s.MeanLoss), s.MeanCostS)
	}
	return nil
}

func writeJSON(v any, w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// Trials prints individual trial records, as ranked by the caller.
func Trials(trials []*result.Trial, format string, w io.Writer) error {
	if format == "json" {
		return writeJSON(trials, w)
	}
	if format == "markdown" {
		fmt.Fprintln(w, "| Trial | Estimator | Status | Loss | Cost | Configuration |")
		fmt.Fprintln(w, "|---|---|---|---|---|---|")
		for _, t := range trials {
			fmt.Fprintf(w, "| %s | %s | %s | %.4f | %.2fs | `%s` |\n",
				t.TrialID, t.Estimator, t.Status, t.Loss, t.CostTime, configString(t))
		}
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TRIAL\tESTIMATOR\tSTATUS\tLOSS\tCOST\tCONFIGURATION")
	for _, t := range trials {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%.4f\t%.2fs\t%s\n",
			t.TrialID, t.Estimator, t.Status, t.Loss, t.CostTime, configString(t))
	}
	return tw.Flush()
}

func configString(t *result.Trial) string {
	b, err := json.Marshal(t.DictHyperParam)
	if err != nil {
		return "?"
	}
	return string(b)
}

// Workers reads the worker meta.json files of a run.
func Workers(runDir string) ([]*result.WorkerMeta, error) {
	var metas []*result.WorkerMeta
	err := filepath.Walk(runDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.Name() == "meta.json" {
			meta, err := result.ReadWorkerMeta(path)
			if err != nil {
				return nil
			}
			metas = append(metas, meta)
		}
		return nil
	})
	sort.Slice(metas, func(i, j int) bool { return metas[i].Worker < metas[j].Worker })
	return metas, err
}

func WriteWorkers(metas []*result.WorkerMeta, w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "WORKER\tMASTER\tDURATION\tEXIT\tREASON")
	for _, m := range metas {
		fmt.Fprintf(tw, "%d\t%v\t%ds\t%d\t%s\n", m.Worker, m.Master, m.DurationS, m.ExitCode, m.ExitReason)
	}
	return tw.Flush()
}
