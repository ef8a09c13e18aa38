package vecdb

// Stop begins a graceful shutdown: shutting_down is set immediately, the
// background timer (if running) is asked to exit, and Stop waits for any
// in-flight compaction and index-build tasks to finish before returning.
// From then on CreateTable, DeleteTable, DropAll, PreloadTable,
// InsertVectors, Query and CreateIndex reject with ErrShuttingDown;
// DescribeTable, HasTable, AllTables, GetTableRowCount, Size,
// UpdateTableFlag, DescribeIndex and DropIndex do not check the flag and
// keep working against the metadata store. In CLUSTER_READONLY mode the
// timer and its workers were never started, so Stop has nothing to wait on.
func (db *DBEngine) Stop() error {
	if db == nil {
		return nil
	}
	if !db.shuttingDown.CompareAndSwap(false, true) {
		return nil
	}

	if db.timerCancel != nil {
		db.timerCancel()
		<-db.timerDone
		db.workersDone.Wait()
	}

	db.sched.Close()

	if db.mode != ClusterReadonly {
		if err := db.metaStore.CleanUp(); err != nil {
			return WrapStatus(CodeMetaError, err, "stop: metadata cleanup")
		}
	}
	return nil
}

// Close is an alias for Stop, satisfying io.Closer for callers that manage
// engine lifetime generically.
func (db *DBEngine) Close() error {
	return db.Stop()
}
