package alter

import (
	"fmt"

	"github.com/allyourbase/alterd/internal/catalog"
)

// jobSpec is a validated request for one new index.
type jobSpec struct {
	table         *catalog.Table
	baseIndexID   int64
	name          string
	schema        []catalog.Column
	keysType      catalog.KeysType
	properties    map[string]string
	mv            bool
	viewDefineSQL string
	whereClause   string
}

// jobFactory turns validated specs into PENDING jobs, allocating ids and
// placeholder tablets as it goes.
type jobFactory struct {
	env            *JobEnv
	defaultTimeout func() int64 // seconds
}

// build creates a job for spec. The table lock must be held. On success the
// rollup tablets are already in the tablet registry; callers that abandon
// the job must release them with compensate.
func (f *jobFactory) build(s jobSpec) (Job, JobRecord, error) {
	tbl := s.table
	timeoutMs, err := timeoutFromProps(s.properties, f.defaultTimeout())
	if err != nil {
		return nil, JobRecord{}, err
	}
	shortKeys, err := calcShortKeyCount(s.schema, s.properties)
	if err != nil {
		return nil, JobRecord{}, err
	}
	colocate := false
	if s.mv && s.whereClause == "" {
		if colocate, err = colocateFromProps(s.properties); err != nil {
			return nil, JobRecord{}, err
		}
		if colocate && tbl.ColocateGroup == "" {
			return nil, JobRecord{}, fmt.Errorf("%w: please ensure table %s is in colocate group if you want to use mv colocate optimization",
				ErrInvalidProperty, tbl.Name)
		}
	}

	cat := f.env.Catalog
	base := tbl.Indexes[s.baseIndexID]
	rec := JobRecord{
		JobID:           cat.NextID(),
		DBID:            tbl.DBID,
		TableID:         tbl.ID,
		TableName:       tbl.Name,
		Kind:            f.kind(s.mv),
		State:           StatePending,
		CreatedAt:       f.env.now().UTC(),
		TimeoutMs:       timeoutMs,
		BaseIndexID:     s.baseIndexID,
		BaseIndexName:   base.Name,
		RollupIndexID:   cat.NextID(),
		RollupIndexName: s.name,
		RollupSchema:    s.schema,
		KeysType:        s.keysType,
		ShortKeyCount:   shortKeys,
		ViewDefineSQL:   s.viewDefineSQL,
		WhereClause:     s.whereClause,
		ColocateMV:      colocate,
	}
	for _, p := range tbl.Partitions {
		mi := p.Index(s.baseIndexID)
		if mi == nil {
			continue
		}
		for _, baseTablet := range mi.Tablets {
			id := cat.NextID()
			rec.Tablets = append(rec.Tablets, TabletMapping{PartitionID: p.ID, BaseTabletID: baseTablet, RollupTabletID: id})
			cat.Tablets.Add(id, catalog.TabletMeta{
				DBID:        tbl.DBID,
				TableID:     tbl.ID,
				PartitionID: p.ID,
				IndexID:     rec.RollupIndexID,
			})
		}
	}

	job, err := JobFromRecord(rec, f.env)
	if err != nil {
		f.compensate([]JobRecord{rec})
		return nil, JobRecord{}, err
	}
	return job, rec, nil
}

func (f *jobFactory) kind(mv bool) JobKind {
	switch {
	case f.env.Catalog.RunMode() == catalog.SharedData:
		return KindLakeRollup
	case mv:
		return KindMaterializedView
	default:
		return KindRollup
	}
}

// compensate removes the placeholder tablets of jobs that were built but
// never registered.
func (f *jobFactory) compensate(recs []JobRecord) {
	for _, rec := range recs {
		f.env.Catalog.Tablets.Delete(rec.RollupTablets()...)
	}
}
