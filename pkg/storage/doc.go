// Package storage opens the backing services of placebook: PostgreSQL
// (primary plus optional read replicas), Redis and S3-compatible object
// storage.
//
// The domain packages own their SQL and take a *sql.DB; this package only
// manages connections:
//
//	cm, err := storage.NewConnectionManager(ctx, cfg, logger)
//	if err != nil {
//		return err
//	}
//	defer cm.Close()
//
//	auditStore := audit.NewPostgresStore(cm.Primary())
//	usage := subscriptions.NewPostgresUsage(cm.Replica())
//
// RedisClient provides token-based distributed locks (SET NX with a TTL,
// released by a compare-and-delete script) used by the expiry sweeper.
// S3Client uploads event log archives before bulk deletes.
package storage
