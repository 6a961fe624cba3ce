package storage

import (
	"context"
	"fmt"
	"maps"
	"strconv"
	"strings"
	"sync"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/runtime"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/bytedance/sonic"
)

type fakeRow struct {
	props map[string]any
	etag  string
}

// fakeTable is an in-memory table supporting the calls TableStore makes.
// Filters are limited to "Field eq 'value'" clauses joined by "and".
type fakeTable struct {
	mu      sync.Mutex
	rows    map[string]fakeRow
	version int

	txCalls int
	// failTx makes the n-th SubmitTransaction call fail, counting from 1.
	failTx    int
	failTxErr error
	// updateConflicts makes the next UpdateEntity calls fail with 412.
	updateConflicts int
}

func newFakeTable() *fakeTable {
	return &fakeTable{rows: map[string]fakeRow{}}
}

func rowID(pk, rk string) string {
	return pk + "\x00" + rk
}

func respErr(code int) error {
	return &azcore.ResponseError{StatusCode: code}
}

func (f *fakeTable) nextETag() string {
	f.version++
	return "W/\"datetime'" + strconv.Itoa(f.version) + "'\""
}

func decodeProps(entity []byte) (map[string]any, string, string, error) {
	props := map[string]any{}
	if err := sonic.Unmarshal(entity, &props); err != nil {
		return nil, "", "", err
	}
	pk, _ := props["PartitionKey"].(string)
	rk, _ := props["RowKey"].(string)
	return props, pk, rk, nil
}

func (f *fakeTable) GetEntity(ctx context.Context, pk, rk string, o *aztables.GetEntityOptions) (aztables.GetEntityResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.rows[rowID(pk, rk)]
	if !ok {
		return aztables.GetEntityResponse{}, respErr(404)
	}
	data, err := sonic.Marshal(row.props)
	if err != nil {
		return aztables.GetEntityResponse{}, err
	}
	return aztables.GetEntityResponse{ETag: azcore.ETag(row.etag), Value: data}, nil
}

func (f *fakeTable) AddEntity(ctx context.Context, entity []byte, o *aztables.AddEntityOptions) (aztables.AddEntityResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return aztables.AddEntityResponse{}, f.add(f.rows, entity)
}

func (f *fakeTable) UpdateEntity(ctx context.Context, entity []byte, o *aztables.UpdateEntityOptions) (aztables.UpdateEntityResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.updateConflicts > 0 {
		f.updateConflicts--
		return aztables.UpdateEntityResponse{}, respErr(412)
	}
	var match *azcore.ETag
	merge := false
	if o != nil {
		match = o.IfMatch
		merge = o.UpdateMode == aztables.UpdateModeMerge
	}
	return aztables.UpdateEntityResponse{}, f.update(f.rows, entity, match, merge)
}

func (f *fakeTable) DeleteEntity(ctx context.Context, pk, rk string, o *aztables.DeleteEntityOptions) (aztables.DeleteEntityResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.rows[rowID(pk, rk)]; !ok {
		return aztables.DeleteEntityResponse{}, respErr(404)
	}
	delete(f.rows, rowID(pk, rk))
	return aztables.DeleteEntityResponse{}, nil
}

func (f *fakeTable) NewListEntitiesPager(o *aztables.ListEntitiesOptions) *runtime.Pager[aztables.ListEntitiesResponse] {
	filter := ""
	if o != nil && o.Filter != nil {
		filter = *o.Filter
	}
	return runtime.NewPager(runtime.PagingHandler[aztables.ListEntitiesResponse]{
		More: func(aztables.ListEntitiesResponse) bool { return false },
		Fetcher: func(ctx context.Context, _ *aztables.ListEntitiesResponse) (aztables.ListEntitiesResponse, error) {
			f.mu.Lock()
			defer f.mu.Unlock()
			var out [][]byte
			for _, row := range f.rows {
				if !matches(row.props, filter) {
					continue
				}
				props := maps.Clone(row.props)
				props["odata.etag"] = row.etag
				data, err := sonic.Marshal(props)
				if err != nil {
					return aztables.ListEntitiesResponse{}, err
				}
				out = append(out, data)
			}
			return aztables.ListEntitiesResponse{Entities: out}, nil
		},
	})
}

func (f *fakeTable) SubmitTransaction(ctx context.Context, actions []aztables.TransactionAction, o *aztables.SubmitTransactionOptions) (aztables.TransactionResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.txCalls++
	if f.txCalls == f.failTx {
		return aztables.TransactionResponse{}, f.failTxErr
	}
	if len(actions) > 100 {
		return aztables.TransactionResponse{}, respErr(400)
	}
	staged := maps.Clone(f.rows)
	for _, a := range actions {
		var err error
		switch a.ActionType {
		case aztables.TransactionTypeAdd:
			err = f.add(staged, a.Entity)
		case aztables.TransactionTypeUpdateMerge:
			err = f.update(staged, a.Entity, a.IfMatch, true)
		case aztables.TransactionTypeUpdateReplace:
			err = f.update(staged, a.Entity, a.IfMatch, false)
		case aztables.TransactionTypeDelete:
			err = f.remove(staged, a.Entity, a.IfMatch)
		default:
			err = fmt.Errorf("unsupported action %v", a.ActionType)
		}
		if err != nil {
			return aztables.TransactionResponse{}, err
		}
	}
	f.rows = staged
	return aztables.TransactionResponse{}, nil
}

func (f *fakeTable) add(rows map[string]fakeRow, entity []byte) error {
	props, pk, rk, err := decodeProps(entity)
	if err != nil {
		return err
	}
	if _, ok := rows[rowID(pk, rk)]; ok {
		return respErr(409)
	}
	rows[rowID(pk, rk)] = fakeRow{props: props, etag: f.nextETag()}
	return nil
}

func etagMatches(row fakeRow, match *azcore.ETag) bool {
	return match == nil || *match == azcore.ETagAny || string(*match) == row.etag
}

func (f *fakeTable) update(rows map[string]fakeRow, entity []byte, match *azcore.ETag, merge bool) error {
	props, pk, rk, err := decodeProps(entity)
	if err != nil {
		return err
	}
	row, ok := rows[rowID(pk, rk)]
	if !ok {
		return respErr(404)
	}
	if !etagMatches(row, match) {
		return respErr(412)
	}
	if merge {
		merged := maps.Clone(row.props)
		maps.Copy(merged, props)
		props = merged
	}
	rows[rowID(pk, rk)] = fakeRow{props: props, etag: f.nextETag()}
	return nil
}

func (f *fakeTable) remove(rows map[string]fakeRow, entity []byte, match *azcore.ETag) error {
	_, pk, rk, err := decodeProps(entity)
	if err != nil {
		return err
	}
	row, ok := rows[rowID(pk, rk)]
	if !ok {
		return respErr(404)
	}
	if !etagMatches(row, match) {
		return respErr(412)
	}
	delete(rows, rowID(pk, rk))
	return nil
}

func (f *fakeTable) has(pk, rk string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.rows[rowID(pk, rk)]
	return ok
}

func matches(props map[string]any, filter string) bool {
	if filter == "" {
		return true
	}
	for _, clause := range strings.Split(filter, " and ") {
		field, lit, ok := strings.Cut(clause, " eq ")
		if !ok {
			return false
		}
		lit = strings.TrimSuffix(strings.TrimPrefix(lit, "'"), "'")
		lit = strings.ReplaceAll(lit, "''", "'")
		if v, _ := props[field].(string); v != lit {
			return false
		}
	}
	return true
}
