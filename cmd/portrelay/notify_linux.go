package main

import "github.com/coreos/go-systemd/v22/daemon"

// notifyReady tells systemd that the relays are up.
func notifyReady() {
	// No-op if NOTIFY_SOCKET is not set.
	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)
}

func notifyStopping() {
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
}
