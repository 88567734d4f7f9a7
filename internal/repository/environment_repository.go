package repository

import (
	"database/sql"
	"errors"

	"github.com/lib/pq"

	"github.com/codythatsme/i-migrate-sub000/internal/models"
)

type EnvironmentRepository interface {
	List() ([]models.Environment, error)
	Get(id string) (models.Environment, error)
	Create(env models.Environment) (models.Environment, error)
	Update(env models.Environment) (models.Environment, error)
	Delete(id string) error
}

type environmentRepository struct {
	db *sql.DB
}

func NewEnvironmentRepository(db *sql.DB) EnvironmentRepository {
	return &environmentRepository{db: db}
}

const environmentColumns = `id, name, base_url, username, query_concurrency, insert_concurrency, created_at, updated_at`

func (r *environmentRepository) List() ([]models.Environment, error) {
	rows, err := r.db.Query(`SELECT ` + environmentColumns + ` FROM environments ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	environments := []models.Environment{}
	for rows.Next() {
		var env models.Environment
		if err := rows.Scan(&env.ID, &env.Name, &env.BaseURL, &env.Username, &env.QueryConcurrency, &env.InsertConcurrency, &env.CreatedAt, &env.UpdatedAt); err != nil {
			return nil, err
		}
		environments = append(environments, env)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return environments, nil
}

func (r *environmentRepository) Get(id string) (models.Environment, error) {
	var env models.Environment
	err := r.db.QueryRow(`SELECT `+environmentColumns+` FROM environments WHERE id = $1`, id).Scan(
		&env.ID, &env.Name, &env.BaseURL, &env.Username, &env.QueryConcurrency, &env.InsertConcurrency, &env.CreatedAt, &env.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return env, ErrNotFound
		}
		return env, err
	}
	return env, nil
}

func (r *environmentRepository) Create(env models.Environment) (models.Environment, error) {
	if env.QueryConcurrency <= 0 {
		env.QueryConcurrency = models.DefaultQueryConcurrency
	}
	if env.InsertConcurrency <= 0 {
		env.InsertConcurrency = models.DefaultInsertConcurrency
	}
	err := r.db.QueryRow(
		`INSERT INTO environments (name, base_url, username, query_concurrency, insert_concurrency)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING id, created_at, updated_at`,
		env.Name, env.BaseURL, env.Username, env.QueryConcurrency, env.InsertConcurrency,
	).Scan(&env.ID, &env.CreatedAt, &env.UpdatedAt)
	if err != nil {
		return env, err
	}
	return env, nil
}

func (r *environmentRepository) Update(env models.Environment) (models.Environment, error) {
	res, err := r.db.Exec(
		`UPDATE environments
		 SET name = $1, base_url = $2, username = $3, query_concurrency = $4, insert_concurrency = $5, updated_at = NOW()
		 WHERE id = $6`,
		env.Name, env.BaseURL, env.Username, env.QueryConcurrency, env.InsertConcurrency, env.ID,
	)
	if err != nil {
		return env, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return env, err
	}
	if affected == 0 {
		return env, ErrNotFound
	}
	return r.Get(env.ID)
}

func (r *environmentRepository) Delete(id string) error {
	res, err := r.db.Exec(`DELETE FROM environments WHERE id = $1`, id)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code.Name() == "foreign_key_violation" {
			return ErrInUse
		}
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}
