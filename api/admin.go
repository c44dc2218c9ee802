package api

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/satsbank/satsbank/api/apierr"
	"github.com/satsbank/satsbank/models/accounts"
)

// adminTokenMiddleware rejects requests that don't carry the operator's
// shared token as a bearer token
func adminTokenMiddleware(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			apierr.Public(c, http.StatusUnauthorized, apierr.ErrMissingAuthHeader)
			return
		}

		given := strings.TrimPrefix(header, "Bearer ")
		if subtle.ConstantTimeCompare([]byte(given), []byte(token)) != 1 {
			apierr.Public(c, http.StatusForbidden, apierr.ErrBadAdminToken)
			return
		}

		c.Next()
	}
}

// health reports whether the service and its dependencies respond
func (r *RestServer) health() gin.HandlerFunc {
	return func(c *gin.Context) {
		status := http.StatusOK
		dbOK := true
		if err := r.db.Ping(); err != nil {
			log.WithError(err).Error("Database health check failed")
			dbOK = false
			status = http.StatusServiceUnavailable
		}

		lnOK := true
		if err := r.lncli.Ping(); err != nil {
			log.WithError(err).Error("Gateway health check failed")
			lnOK = false
			status = http.StatusServiceUnavailable
		}

		c.JSON(status, gin.H{
			"database":  dbOK,
			"lightning": lnOK,
		})
	}
}

// runDailySummary triggers an audit run on demand and returns the report
func (r *RestServer) runDailySummary() gin.HandlerFunc {
	return func(c *gin.Context) {
		if r.auditor == nil {
			apierr.Public(c, http.StatusNotFound, apierr.ErrRouteNotFound)
			return
		}

		report, err := r.auditor.Run()
		if err != nil {
			log.WithError(err).Error("Audit run failed")
			_ = c.Error(err)
			return
		}

		c.JSONP(http.StatusOK, gin.H{
			"runId":             report.RunID,
			"status":            report.Status,
			"accountsChecked":   report.AccountsChecked,
			"mismatches":        report.Mismatches,
			"totalCustodialSat": report.TotalCustodialSat,
			"nodeTotalSat":      report.NodeTotalSat,
			"nodeProbeOk":       report.NodeProbeOK,
		})
	}
}

// getInfo reports operational state: node balance, custodial total and the
// migration status of the database
func (r *RestServer) getInfo() gin.HandlerFunc {
	return func(c *gin.Context) {
		nodeBalance, err := r.lncli.NodeBalance()
		if err != nil {
			_ = c.Error(err).SetMeta("lncli.nodebalance")
			return
		}

		custodialSat, err := accounts.TotalBalance(r.db)
		if err != nil {
			_ = c.Error(err)
			return
		}

		migrationStatus, err := r.db.MigrationStatus()
		if err != nil {
			_ = c.Error(err)
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"network":                 r.config.Network.Name,
			"custodialBalanceSats":    custodialSat,
			"nodeChannelBalanceSats":  nodeBalance.ChannelSat,
			"nodePendingBalanceSats":  nodeBalance.PendingSat,
			"nodeOnchainBalanceSats":  nodeBalance.OnchainSat,
			"databaseMigrationStatus": migrationStatus,
		})
	}
}
