// Package corelog gives the hci and l2cap packages a shared, swappable
// logrus logger without a dependency cycle back into the root package.
package corelog

import "github.com/sirupsen/logrus"

var logger = logrus.New()

func init() {
	logger.SetLevel(logrus.InfoLevel)
}

// Set replaces the shared logger. Call before constructing any
// CommandChannel, ACLDataChannel or ChannelManager.
func Set(l *logrus.Logger) {
	if l != nil {
		logger = l
	}
}

// Get returns the shared logger.
func Get() *logrus.Logger { return logger }
