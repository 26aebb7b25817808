package db

import (
	"context"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

// Store is what the readiness check needs from the database. *pgxpool.Pool
// satisfies it.
type Store interface {
	Ping(ctx context.Context) error
	Stat() *pgxpool.Stat
}

// SchemaStatus reports migrations known to the binary and their state.
type SchemaStatus func(ctx context.Context) ([]MigrationStatus, error)

type healthReport struct {
	Status  string `json:"status"`
	Error   string `json:"error,omitempty"`
	Pending []int  `json:"pending_migrations,omitempty"`
	Pool    *struct {
		Total    int32 `json:"total"`
		Idle     int32 `json:"idle"`
		Acquired int32 `json:"acquired"`
		Max      int32 `json:"max"`
	} `json:"pool,omitempty"`
}

// HealthHandler answers 503 when the store is unreachable or the schema is
// behind the binary. Driver errors are not echoed to the caller.
func HealthHandler(store Store, schema SchemaStatus) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
		defer cancel()

		report := healthReport{Status: "healthy"}
		if err := store.Ping(ctx); err != nil {
			report.Status, report.Error = "unhealthy", "database unreachable"
			return c.JSON(http.StatusServiceUnavailable, report)
		}
		if st := store.Stat(); st != nil {
			report.Pool = &struct {
				Total    int32 `json:"total"`
				Idle     int32 `json:"idle"`
				Acquired int32 `json:"acquired"`
				Max      int32 `json:"max"`
			}{st.TotalConns(), st.IdleConns(), st.AcquiredConns(), st.MaxConns()}
		}
		if schema != nil {
			statuses, err := schema(ctx)
			if err != nil {
				report.Status, report.Error = "unhealthy", "schema status unavailable"
				return c.JSON(http.StatusServiceUnavailable, report)
			}
			for _, s := range statuses {
				if !s.Applied {
					report.Pending = append(report.Pending, s.Version)
				}
			}
			if len(report.Pending) > 0 {
				report.Status = "migrations pending"
				return c.JSON(http.StatusServiceUnavailable, report)
			}
		}
		return c.JSON(http.StatusOK, report)
	}
}
