// Package classifier is the default complexity classifier used to pick a
// channel for a query.
//
// Analyze scores a query from 0 to 100 using word count and keyword
// indicators; the orchestrator compares the score against its async
// threshold. ShouldForceChannel matches configured phrases such as
// "full report" that always go to the async-job channel. Both are pure
// functions of the query text.
package classifier
