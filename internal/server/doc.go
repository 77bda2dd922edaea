// Package server implements the HTTP control API of the vox relay service.
// It starts and stops the recorder, reports status, lists and resends
// journaled artifacts, streams recorder events and exposes Prometheus metrics.
package server
