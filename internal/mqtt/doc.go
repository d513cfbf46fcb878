// Package mqtt mirrors tool server attach status to an MQTT broker so
// dashboards and Home Assistant can see which servers are up.
//
// The publisher uses Eclipse Paho v2's [autopaho] package for
// connection management with automatic reconnection. On every
// (re-)connect it publishes retained Home Assistant discovery configs
// (one status sensor per configured server), a birth message ("online")
// to the availability topic, and subscribes to the per-server command
// topic. A will message ensures the availability topic transitions to
// "offline" on unexpected disconnects.
//
// Topics, under the configured prefix:
//
//	<prefix>/availability      online | offline (retained)
//	<prefix>/<id>/status       {"status":"attached","attempt":1,...} (retained)
//	<prefix>/<id>/exit         {"code":0,"signal":null,...} (retained)
//	<prefix>/<id>/restart      {"delay_ms":2000,"restart":1}
//	<prefix>/<id>/command      "stop" (subscribed)
package mqtt
