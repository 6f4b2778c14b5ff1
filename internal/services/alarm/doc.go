// Package alarm groups the alarm coordination service: domain entities,
// permission resolution, persistence, and the realtime websocket surface.
package alarm
