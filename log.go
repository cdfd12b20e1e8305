package btcore

import (
	"github.com/sirupsen/logrus"

	"github.com/paypal/gatt-core/internal/corelog"
)

// SetLogger replaces the logger shared by the hci and l2cap packages.
// Call before constructing any CommandChannel, ACLDataChannel or
// ChannelManager. Tests that want quiet output, or embedders that want a
// particular formatter/level, use this instead of the default
// logrus.New().
func SetLogger(l *logrus.Logger) { corelog.Set(l) }
