/*
Package config loads and validates the fleetmon site configuration.

The configuration is a YAML file under <work>/etc listing the global
timing knobs and one entry per monitored site (alias, one or two remote
endpoints, poll interval, scheduled connect/disconnect times, failover
mode and option flags). A site entry without a command is a group
aggregate row.

Watcher combines fsnotify directory events with an mtime check so the
supervisor can reload the configuration when it changes on disk.
*/
package config
