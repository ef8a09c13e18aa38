package membuf

import "time"

// currentDate returns today's date in the table-file partitioning format
// (YYYYMMDD) used to key mergeable file groups.
func currentDate() string {
	return time.Now().UTC().Format("20060102")
}
