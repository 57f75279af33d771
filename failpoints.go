package pagedb

// Failpoints injectable via go.etcd.io/gofail, placed at exactly the
// spots spec section 7 calls out as fatal once crossed: after
// WriteToJournal has returned (so a failure here must latch
// catastrophic failure, never attempt cleanup) and on pager I/O.
//
// `gofail enable` rewrites the marker comments below into live code
// paths for a build; with gofail disabled (the default, and the state
// this file is checked in at) they compile to nothing.

func failpointPostJournalWrite() {
	// gofail: var postJournalWrite string
	// panic(postJournalWrite)
}

func failpointPagerIO() {
	// gofail: var pagerIO string
	// panic(pagerIO)
}
