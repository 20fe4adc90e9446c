package server

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/allyourbase/alterd/internal/alter"
	"github.com/allyourbase/alterd/internal/catalog"
	"github.com/allyourbase/alterd/internal/httputil"
)

type columnRequest struct {
	Name       string                `json:"name"`
	Type       string                `json:"type"`
	IsKey      bool                  `json:"isKey"`
	Agg        catalog.AggregateType `json:"agg,omitempty"`
	Nullable   bool                  `json:"nullable"`
	DefineExpr string                `json:"defineExpr,omitempty"`
}

type createTableRequest struct {
	Name             string           `json:"name"`
	KeysType         catalog.KeysType `json:"keysType"`
	Columns          []columnRequest  `json:"columns"`
	Partitions       []string         `json:"partitions"`
	PartitionColumns []string         `json:"partitionColumns,omitempty"`
	Buckets          int              `json:"buckets"`
	ColocateGroup    string           `json:"colocateGroup,omitempty"`
	MV               *catalog.MVInfo  `json:"mv,omitempty"`
}

// jobSummary is returned for every job a request creates.
type jobSummary struct {
	JobID           int64          `json:"jobId"`
	Kind            alter.JobKind  `json:"kind"`
	State           alter.JobState `json:"state"`
	TableID         int64          `json:"tableId"`
	RollupIndexName string         `json:"rollupIndexName"`
}

func summarize(jobs ...alter.Job) []jobSummary {
	out := make([]jobSummary, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, jobSummary{
			JobID:           j.ID(),
			Kind:            j.Kind(),
			State:           j.State(),
			TableID:         j.TableID(),
			RollupIndexName: j.RollupIndexName(),
		})
	}
	return out
}

func (s *Server) handleCreateDatabase(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name string `json:"name"`
	}
	if !httputil.DecodeJSON(w, r, &body) {
		return
	}
	db, err := s.alter.CreateDatabase(r.Context(), body.Name)
	if err != nil {
		s.writeAlterError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, map[string]any{"id": db.ID, "name": db.Name})
}

func (s *Server) handleCreateTable(w http.ResponseWriter, r *http.Request) {
	var body createTableRequest
	if !httputil.DecodeJSON(w, r, &body) {
		return
	}
	spec := catalog.TableSpec{
		Name:             body.Name,
		KeysType:         body.KeysType,
		Partitions:       body.Partitions,
		PartitionColumns: body.PartitionColumns,
		Buckets:          body.Buckets,
		ColocateGroup:    body.ColocateGroup,
		MV:               body.MV,
	}
	for _, c := range body.Columns {
		typ, err := catalog.ParseType(c.Type)
		if err != nil {
			httputil.WriteFieldError(w, http.StatusBadRequest, "invalid column type", c.Name, "type", err.Error())
			return
		}
		spec.Columns = append(spec.Columns, catalog.Column{
			Name:       c.Name,
			Type:       typ,
			IsKey:      c.IsKey,
			Agg:        c.Agg,
			Nullable:   c.Nullable,
			DefineExpr: c.DefineExpr,
		})
	}
	tbl, err := s.alter.CreateTable(r.Context(), chi.URLParam(r, "db"), spec)
	if err != nil {
		s.writeAlterError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, map[string]any{"id": tbl.ID, "name": spec.Name})
}

func (s *Server) handleTableState(w http.ResponseWriter, r *http.Request) {
	state, jobs, err := s.alter.TableState(chi.URLParam(r, "db"), chi.URLParam(r, "table"))
	if err != nil {
		s.writeAlterError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"state":          state,
		"unfinishedJobs": summarize(jobs...),
	})
}

func (s *Server) handleAlterTable(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Clauses []alter.AlterClause `json:"clauses"`
	}
	if !httputil.DecodeJSON(w, r, &body) {
		return
	}
	jobs, err := s.alter.Process(r.Context(), chi.URLParam(r, "db"), chi.URLParam(r, "table"), body.Clauses)
	if err != nil {
		s.writeAlterError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"jobs": summarize(jobs...)})
}

func (s *Server) handleAddRollups(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Rollups []alter.AddRollupClause `json:"rollups"`
	}
	if !httputil.DecodeJSON(w, r, &body) {
		return
	}
	if len(body.Rollups) == 0 {
		httputil.WriteError(w, http.StatusBadRequest, "at least one rollup is required")
		return
	}
	jobs, err := s.alter.ProcessBatchAddRollup(r.Context(), chi.URLParam(r, "db"), chi.URLParam(r, "table"), body.Rollups)
	if err != nil {
		s.writeAlterError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusAccepted, map[string]any{"jobs": summarize(jobs...)})
}

// handleDropRollups drops the rollups named by repeated name query parameters.
func (s *Server) handleDropRollups(w http.ResponseWriter, r *http.Request) {
	names := r.URL.Query()["name"]
	if len(names) == 0 {
		httputil.WriteError(w, http.StatusBadRequest, "at least one name parameter is required")
		return
	}
	if err := s.alter.ProcessBatchDropRollup(r.Context(), chi.URLParam(r, "db"), chi.URLParam(r, "table"), names); err != nil {
		s.writeAlterError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCreateMV(w http.ResponseWriter, r *http.Request) {
	var req alter.CreateMVRequest
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}
	req.DBName = chi.URLParam(r, "db")
	req.TableName = chi.URLParam(r, "table")
	job, err := s.alter.ProcessCreateMaterializedView(r.Context(), req)
	if err != nil {
		s.writeAlterError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusAccepted, summarize(job)[0])
}

// handleDropMV serves both the table-scoped and the database-wide route; the
// latter searches every table for the view.
func (s *Server) handleDropMV(w http.ResponseWriter, r *http.Request) {
	ifExists, _ := strconv.ParseBool(r.URL.Query().Get("if_exists"))
	req := alter.DropMVRequest{
		DBName:    chi.URLParam(r, "db"),
		TableName: chi.URLParam(r, "table"),
		MVName:    chi.URLParam(r, "name"),
		IfExists:  ifExists,
	}
	if err := s.alter.ProcessDropMaterializedView(r.Context(), req); err != nil {
		s.writeAlterError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCancelTable(w http.ResponseWriter, r *http.Request) {
	var body struct {
		JobIDs []int64 `json:"jobIds"`
	}
	if !httputil.DecodeOptionalJSON(w, r, &body) {
		return
	}
	ids, err := s.alter.Cancel(r.Context(), alter.CancelRequest{
		DBName:    chi.URLParam(r, "db"),
		TableName: chi.URLParam(r, "table"),
		JobIDs:    body.JobIDs,
	})
	if err != nil {
		s.writeAlterError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"cancelled": ids})
}

func (s *Server) handleCancelMV(w http.ResponseWriter, r *http.Request) {
	id, err := s.alter.CancelMV(r.Context(), chi.URLParam(r, "db"), chi.URLParam(r, "name"))
	if err != nil {
		s.writeAlterError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"cancelled": []int64{id}})
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	db := r.URL.Query().Get("db")
	if db == "" {
		httputil.WriteError(w, http.StatusBadRequest, "db parameter is required")
		return
	}
	rows, err := s.alter.ShowAlterJobs(db)
	if err != nil {
		s.writeAlterError(w, r, err)
		return
	}
	if rows == nil {
		rows = []alter.JobInfo{}
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"jobs": rows})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "job id must be an integer")
		return
	}
	job, ok := s.alter.Registry().Get(id)
	if !ok {
		httputil.WriteError(w, http.StatusNotFound, "alter job not found")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, job.Record())
}
