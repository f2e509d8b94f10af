package result

// ResultImp is a plain statement outcome.
type ResultImp struct {
	rowsAffected int64
}

func NewResult(rowsAffected int64) *ResultImp {
	return &ResultImp{rowsAffected: rowsAffected}
}

func (r *ResultImp) RowsAffected() (int64, error) {
	return r.rowsAffected, nil
}
