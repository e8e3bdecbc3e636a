// Package api exposes the task manager over HTTP: listing and controlling
// active tasks, creating downloads, reading the lifecycle journal and
// streaming live lifecycle events over a websocket.
package api
