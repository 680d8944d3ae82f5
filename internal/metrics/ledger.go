package metrics

// LookupAdmitted records an admitted lookup and, when the lookup triggered
// one, an automatic referral conversion.
func LookupAdmitted(source string, converted bool) {
	LookupsAdmitted.WithLabelValues(source).Inc()
	if converted {
		ReferralConversions.WithLabelValues("auto").Inc()
	}
}

// LookupDenied records a denied lookup
func LookupDenied(reason string) {
	LookupsDenied.WithLabelValues(reason).Inc()
}

// ExplicitConversion records a user-requested referral conversion
func ExplicitConversion() {
	ReferralConversions.WithLabelValues("explicit").Inc()
}

// StoreConflict records a lost optimistic update
func StoreConflict(op string) {
	StoreConflicts.WithLabelValues(op).Inc()
}

// NotificationSent records the outcome of a notification delivery
func NotificationSent(kind string, err error) {
	status := "sent"
	if err != nil {
		status = "failed"
	}
	NotificationsTotal.WithLabelValues(kind, status).Inc()
}

// NotificationDropped records a notification dropped because the queue was full
func NotificationDropped(kind string) {
	NotificationsTotal.WithLabelValues(kind, "dropped").Inc()
}
