// Package aitrack records every inference attempt group with token counts and
// an estimated USD cost, and aggregates those records per job or per user.
//
// Memo hits are recorded with model "cached" and zero cost so analytics can
// report how much work the inference memo saved.
package aitrack
