package repo

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"grantline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

func scanApplication(row *sql.Row) (domain.Application, error) {
	var a domain.Application
	err := row.Scan(&a.ID, &a.GUID, &a.CompanyName, &a.Status, &a.SubmittedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	return a, err
}

func (r Repo) InsertApplication(ctx context.Context, tx *sql.Tx, a domain.Application) (int64, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO applications(guid,company_name,status,submitted_at) VALUES (?,?,?,?)`,
		a.GUID, a.CompanyName, a.Status, a.SubmittedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) GetApplication(ctx context.Context, guid string) (domain.Application, error) {
	return scanApplication(r.DB.QueryRowContext(ctx, `SELECT id,guid,company_name,status,submitted_at FROM applications WHERE guid=?`, guid))
}

func (r Repo) GetApplicationTx(ctx context.Context, tx *sql.Tx, guid string) (domain.Application, error) {
	return scanApplication(tx.QueryRowContext(ctx, `SELECT id,guid,company_name,status,submitted_at FROM applications WHERE guid=?`, guid))
}

type ApplicationFilters struct {
	Status      string
	CompanyName string
}

func (r Repo) ListApplications(ctx context.Context, f ApplicationFilters) ([]domain.Application, error) {
	var clauses []string
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.CompanyName != "" {
		clauses = append(clauses, "company_name=?")
		args = append(args, f.CompanyName)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT id,guid,company_name,status,submitted_at FROM applications ` + where + ` ORDER BY id ASC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Application
	for rows.Next() {
		var a domain.Application
		if err := rows.Scan(&a.ID, &a.GUID, &a.CompanyName, &a.Status, &a.SubmittedAt); err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// UpdateApplicationStatusTx writes the new status onto the application row.
// Callers must append the matching StatusChange in the same transaction.
func (r Repo) UpdateApplicationStatusTx(ctx context.Context, tx *sql.Tx, guid, status string) error {
	res, err := tx.ExecContext(ctx, `UPDATE applications SET status=? WHERE guid=?`, status, guid)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) InsertStatusChangeTx(ctx context.Context, tx *sql.Tx, sc domain.StatusChange) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO status_changes(application_guid,status,note,actor_id,created_at) VALUES (?,?,?,?,?)`,
		sc.ApplicationGUID, sc.Status, nullable(sc.Note), sc.ActorID, sc.CreatedAt)
	return err
}

func (r Repo) ListStatusChanges(ctx context.Context, applicationGUID string) ([]domain.StatusChange, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,application_guid,status,COALESCE(note,''),actor_id,created_at FROM status_changes WHERE application_guid=? ORDER BY id DESC`, applicationGUID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.StatusChange
	for rows.Next() {
		var sc domain.StatusChange
		if err := rows.Scan(&sc.ID, &sc.ApplicationGUID, &sc.Status, &sc.Note, &sc.ActorID, &sc.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, sc)
	}
	return res, rows.Err()
}

func (r Repo) InsertDocumentTx(ctx context.Context, tx *sql.Tx, d domain.Document) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO documents(guid,application_guid,name,object_store_path,category,created_at) VALUES (?,?,?,?,?,?)`,
		d.GUID, d.ApplicationGUID, d.Name, d.ObjectStorePath, d.Category, d.CreatedAt)
	return err
}

func (r Repo) GetDocument(ctx context.Context, guid string) (domain.Document, error) {
	var d domain.Document
	err := r.DB.QueryRowContext(ctx, `SELECT guid,application_guid,name,object_store_path,category,created_at FROM documents WHERE guid=?`, guid).
		Scan(&d.GUID, &d.ApplicationGUID, &d.Name, &d.ObjectStorePath, &d.Category, &d.CreatedAt)
	if err == sql.ErrNoRows {
		return d, ErrNotFound
	}
	return d, err
}

func (r Repo) ListDocuments(ctx context.Context, applicationGUID string) ([]domain.Document, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT guid,application_guid,name,object_store_path,category,created_at FROM documents WHERE application_guid=? ORDER BY created_at ASC, guid ASC`, applicationGUID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Document
	for rows.Next() {
		var d domain.Document
		if err := rows.Scan(&d.GUID, &d.ApplicationGUID, &d.Name, &d.ObjectStorePath, &d.Category, &d.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

func (r Repo) InsertContractedWork(ctx context.Context, tx *sql.Tx, w domain.ContractedWork) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO contracted_work(application_guid,work_id,well_authorization_number,contracted_work_type) VALUES (?,?,?,?)`,
		w.ApplicationGUID, w.WorkID, w.WellAuthorizationNumber, w.ContractedWorkType)
	return err
}

// ListContractedWork returns an application's work items with their payment
// sub-record left-joined; items without a payment carry Payment == nil.
func (r Repo) ListContractedWork(ctx context.Context, app domain.Application) ([]domain.ContractedWork, error) {
	rows, err := r.DB.QueryContext(ctx, `
SELECT w.work_id, w.well_authorization_number, w.contracted_work_type,
       p.interim_payment_status_code, p.final_payment_status_code,
       p.interim_approved_amount, p.final_approved_amount, p.updated_at
FROM contracted_work w
LEFT JOIN contracted_work_payments p
  ON p.application_guid = w.application_guid AND p.work_id = w.work_id
WHERE w.application_guid=?
ORDER BY w.work_id ASC`, app.GUID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ContractedWork
	for rows.Next() {
		w := domain.ContractedWork{ApplicationID: app.ID, ApplicationGUID: app.GUID}
		var interim, final, updated sql.NullString
		var interimAmt, finalAmt sql.NullFloat64
		if err := rows.Scan(&w.WorkID, &w.WellAuthorizationNumber, &w.ContractedWorkType,
			&interim, &final, &interimAmt, &finalAmt, &updated); err != nil {
			return nil, err
		}
		if interim.Valid {
			p := &domain.WorkPayment{
				WorkID:                   w.WorkID,
				InterimPaymentStatusCode: interim.String,
				FinalPaymentStatusCode:   final.String,
				UpdatedAt:                updated.String,
			}
			if interimAmt.Valid {
				v := interimAmt.Float64
				p.InterimApprovedAmount = &v
			}
			if finalAmt.Valid {
				v := finalAmt.Float64
				p.FinalApprovedAmount = &v
			}
			w.Payment = p
		}
		res = append(res, w)
	}
	return res, rows.Err()
}

// UpsertWorkPayment writes the payment sub-record for one work item. The
// record is scoped to its application; the same work_id under another
// application carries its own payment state.
func (r Repo) UpsertWorkPayment(ctx context.Context, tx *sql.Tx, applicationGUID string, p domain.WorkPayment) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO contracted_work_payments(application_guid,work_id,interim_payment_status_code,final_payment_status_code,interim_approved_amount,final_approved_amount,updated_at)
VALUES (?,?,?,?,?,?,?)
ON CONFLICT(application_guid,work_id) DO UPDATE SET interim_payment_status_code=excluded.interim_payment_status_code,
	final_payment_status_code=excluded.final_payment_status_code,
	interim_approved_amount=excluded.interim_approved_amount,
	final_approved_amount=excluded.final_approved_amount,
	updated_at=excluded.updated_at`,
		applicationGUID, p.WorkID, p.InterimPaymentStatusCode, p.FinalPaymentStatusCode,
		nullableFloatPtr(p.InterimApprovedAmount), nullableFloatPtr(p.FinalApprovedAmount), p.UpdatedAt)
	return err
}

func (r Repo) LatestEvents(ctx context.Context, limit int, applicationGUID, evtType string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if applicationGUID != "" {
		clauses = append(clauses, "application_guid=?")
		args = append(args, applicationGUID)
	}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if limit <= 0 {
		limit = 100
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, `SELECT id,ts,type,COALESCE(application_guid,''),entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events `+where+` ORDER BY id DESC LIMIT ?`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.ApplicationGUID, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableFloatPtr(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}
