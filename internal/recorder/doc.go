// Package recorder implements the controller that ties the capture source,
// the activity buffer, the vox state machine and the upload manager into one
// start/stop lifecycle, and reports what happens through status events.
package recorder
