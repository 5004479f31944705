// Package retry implements bounded exponential backoff with optional
// jitter. The connection pool uses it around device connect attempts so a
// single dropped SYN does not cost a whole collection cycle.
package retry
