// Package trace provides sampler.Recorder backends that persist the
// engine history to an SQL database or export it as Prometheus metrics.
package trace

import (
	"database/sql"
	"fmt"
	"strings"
	"sync"

	"github.com/jochym/hecss/sampler"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

const (
	// TblTrials is the name of the sql database table that contains one
	// row per successful evaluation.
	TblTrials = "hecsstrials"
	// TblDOFMu is the name of the sql database table that contains the per
	// class virial after every trial.
	TblDOFMu = "hecssdofmu"
	// TblXScale is the name of the sql database table that contains the
	// per atom amplitude scale after every trial.
	TblXScale = "hecssxscale"
	// TblEvents is the name of the sql database table that contains
	// failures and phase changes.
	TblEvents = "hecssevents"
)

// DB records engine events into an sql database. The schema holds one
// REAL column per array element, so nat and ndof must match the engine.
// Errors are kept and reported by Err; recording stops at the first one.
type DB struct {
	Db   *sql.DB
	nat  int
	ndof int

	mu  sync.Mutex
	err error
}

// NewDB creates the trace tables if they do not exist yet.
func NewDB(db *sql.DB, nat, ndof int) (*DB, error) {
	d := &DB{Db: db, nat: nat, ndof: ndof}
	if err := d.initdb(); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *DB) initdb() error {
	stmts := []string{
		"CREATE TABLE IF NOT EXISTS " + TblTrials + " (temp REAL, trial INTEGER, state TEXT, accepted INTEGER, seq INTEGER, idx INTEGER, eta REAL, energy REAL);",
		"CREATE TABLE IF NOT EXISTS " + TblDOFMu + " (temp REAL, trial INTEGER" + xdbsql("define", 3*d.ndof) + ");",
		"CREATE TABLE IF NOT EXISTS " + TblXScale + " (temp REAL, trial INTEGER" + xdbsql("define", 3*d.nat) + ");",
		"CREATE TABLE IF NOT EXISTS " + TblEvents + " (temp REAL, trial INTEGER, kind TEXT, msg TEXT);",
	}
	for _, s := range stmts {
		if _, err := d.Db.Exec(s); err != nil {
			return errors.Wrap(err, "trace: create tables")
		}
	}
	return nil
}

func xdbsql(op string, n int) string {
	var sb strings.Builder
	for i := 0; i < n; i++ {
		switch op {
		case "?":
			sb.WriteString(",?")
		case "define":
			fmt.Fprintf(&sb, ",x%v REAL", i)
		case "x":
			fmt.Fprintf(&sb, ",x%v", i)
		default:
			panic("invalid db op " + op)
		}
	}
	return sb.String()
}

func row(args []any, m *mat.Dense) []any {
	for _, v := range m.RawMatrix().Data {
		args = append(args, v)
	}
	return args
}

func (d *DB) Record(ev sampler.Event) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return
	}
	d.err = d.updateDb(ev)
}

func (d *DB) updateDb(ev sampler.Event) (err error) {
	tx, err := d.Db.Begin()
	if err != nil {
		return errors.Wrap(err, "trace: begin")
	}
	defer func() {
		if err != nil {
			tx.Rollback()
			return
		}
		err = errors.Wrap(tx.Commit(), "trace: commit")
	}()

	switch ev.Kind {
	case sampler.EventTrial:
		accepted := 0
		if ev.Accepted {
			accepted = 1
		}
		_, err = tx.Exec("INSERT INTO "+TblTrials+" (temp,trial,state,accepted,seq,idx,eta,energy) VALUES (?,?,?,?,?,?,?,?);",
			ev.T, ev.Trial, ev.State.String(), accepted, ev.Seq, ev.Index, ev.Eta, ev.Energy)
		if err != nil {
			return errors.Wrap(err, "trace: insert trial")
		}
		if ev.DOFMu != nil {
			s := "INSERT INTO " + TblDOFMu + " (temp,trial" + xdbsql("x", 3*d.ndof) + ") VALUES (?,?" + xdbsql("?", 3*d.ndof) + ");"
			if _, err = tx.Exec(s, row([]any{ev.T, ev.Trial}, ev.DOFMu)...); err != nil {
				return errors.Wrap(err, "trace: insert virial")
			}
		}
		if ev.XScale != nil {
			s := "INSERT INTO " + TblXScale + " (temp,trial" + xdbsql("x", 3*d.nat) + ") VALUES (?,?" + xdbsql("?", 3*d.nat) + ");"
			if _, err = tx.Exec(s, row([]any{ev.T, ev.Trial}, ev.XScale)...); err != nil {
				return errors.Wrap(err, "trace: insert xscale")
			}
		}
	default:
		msg := ""
		if ev.Err != nil {
			msg = ev.Err.Error()
		}
		_, err = tx.Exec("INSERT INTO "+TblEvents+" (temp,trial,kind,msg) VALUES (?,?,?,?);",
			ev.T, ev.Trial, ev.Kind.String(), msg)
		if err != nil {
			return errors.Wrap(err, "trace: insert event")
		}
	}
	return nil
}

// Err returns the first error met while recording.
func (d *DB) Err() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.err
}

// Widths reads back the (eta, energy) history of the sampling trials at
// temperature T, in trial order. Width search trials are left out.
func (d *DB) Widths(T float64) ([]sampler.WidthPoint, error) {
	rows, err := d.Db.Query("SELECT eta, energy FROM "+TblTrials+" WHERE temp = ? AND state = ? ORDER BY trial;", T, sampler.Sampling.String())
	if err != nil {
		return nil, errors.Wrap(err, "trace: query widths")
	}
	defer rows.Close()
	var out []sampler.WidthPoint
	for rows.Next() {
		var p sampler.WidthPoint
		if err := rows.Scan(&p.Eta, &p.Energy); err != nil {
			return nil, errors.Wrap(err, "trace: scan widths")
		}
		out = append(out, p)
	}
	return out, errors.Wrap(rows.Err(), "trace: widths")
}

// XScales reads back the amplitude scale history of temperature T.
func (d *DB) XScales(T float64) ([]*mat.Dense, error) {
	rows, err := d.Db.Query("SELECT "+strings.TrimPrefix(xdbsql("x", 3*d.nat), ",")+" FROM "+TblXScale+" WHERE temp = ? ORDER BY trial;", T)
	if err != nil {
		return nil, errors.Wrap(err, "trace: query xscale")
	}
	defer rows.Close()
	var out []*mat.Dense
	for rows.Next() {
		xs := mat.NewDense(d.nat, 3, nil)
		data := xs.RawMatrix().Data
		dst := make([]any, len(data))
		for i := range data {
			dst[i] = &data[i]
		}
		if err := rows.Scan(dst...); err != nil {
			return nil, errors.Wrap(err, "trace: scan xscale")
		}
		out = append(out, xs)
	}
	return out, errors.Wrap(rows.Err(), "trace: xscale")
}
