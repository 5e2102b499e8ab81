// Package crawler defines the crawl-job consumer's core: the job and lease
// types shared across subsystems, the payload parser, the executor that
// drives a job through the automation engine, and the disposition policy
// that decides whether a finished job is completed or handed back.
package crawler
