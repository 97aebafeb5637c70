package webserver

import (
	"fmt"
	"html"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/proctorhq/proctor/internal/models"
	"github.com/proctorhq/proctor/internal/reporting"
	"github.com/proctorhq/proctor/internal/webapi"
)

const pageShell = `<!doctype html>
<html>
<head>
<meta charset="utf-8">
<title>%s</title>
<style>
body { font-family: system-ui, sans-serif; max-width: 60rem; margin: 2rem auto; padding: 0 1rem; }
table { border-collapse: collapse; }
th, td { border: 1px solid #ccc; padding: 0.3rem 0.6rem; text-align: left; }
</style>
</head>
<body>
%s
</body>
</html>`

// registerRoutes sets up the API and the HTML report pages on the mux.
func (s *Server) registerRoutes(mux *http.ServeMux) {
	webapi.RegisterRoutes(mux, s.store)

	mux.HandleFunc("GET /{$}", s.handleIndex)
	mux.HandleFunc("GET /report/{id}", s.handleReport)
}

// handleIndex renders a run listing with links to the per-run reports.
func (s *Server) handleIndex(w http.ResponseWriter, _ *http.Request) {
	runs, err := s.store.ListRuns("", "")
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	var b strings.Builder
	b.WriteString("<h1>Assessment runs</h1>\n")
	if len(runs) == 0 {
		b.WriteString("<p>No runs recorded yet.</p>\n")
	} else {
		b.WriteString("<table>\n<tr><th>Run</th><th>Plan</th><th>Outcome</th><th>Passed</th><th>Tasks</th><th>Started</th></tr>\n")
		for _, r := range runs {
			id := html.EscapeString(r.ID)
			link := id
			if !r.Live {
				link = fmt.Sprintf(`<a href="/report/%s">%s</a>`, id, id)
			}
			fmt.Fprintf(&b, "<tr><td>%s</td><td>%s</td><td>%s</td><td>%d</td><td>%d</td><td>%s</td></tr>\n",
				link, html.EscapeString(r.Plan), html.EscapeString(r.Outcome),
				r.PassCount, r.TaskCount, r.Timestamp.Format("2006-01-02 15:04"))
		}
		b.WriteString("</table>\n")
	}

	writeHTML(w, "proctor runs", b.String())
}

// handleReport renders the markdown report for one finished run as HTML.
func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" || strings.ContainsAny(id, "/\\") {
		http.Error(w, "invalid run id", http.StatusBadRequest)
		return
	}

	path := filepath.Join(s.cfg.ResultsDir, fmt.Sprintf("run-%s.json", id))
	art, err := models.LoadRunArtifact(path)
	if err != nil {
		if os.IsNotExist(err) {
			http.Error(w, "run not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	body, err := reporting.HTMLReport(art)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeHTML(w, fmt.Sprintf("run %s", id), string(body))
}

func writeHTML(w http.ResponseWriter, title, body string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprintf(w, pageShell, html.EscapeString(title), body)
}
