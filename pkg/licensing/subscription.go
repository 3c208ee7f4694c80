package licensing

// SubscriptionStatus is the billing state reported by the license server.
type SubscriptionStatus string

const (
	StatusActive   SubscriptionStatus = "active"
	StatusTrialing SubscriptionStatus = "trialing"
	StatusPastDue  SubscriptionStatus = "past_due"
	StatusCancelled SubscriptionStatus = "cancelled"

	// StatusOfflineGrace is derived, never sent by the server: the terminal
	// is running on a previously validated license without recent contact.
	StatusOfflineGrace SubscriptionStatus = "offline_grace"
)

// StatusBehavior describes what a subscription status allows locally.
type StatusBehavior struct {
	Status SubscriptionStatus

	// FeaturesAvailable indicates whether paid capabilities are accessible.
	FeaturesAvailable bool

	// ShowWarning indicates whether the UI should show a warning banner.
	ShowWarning bool

	Description string
}

// StatusBehaviors maps each subscription status to its local behavior rules.
var StatusBehaviors = map[SubscriptionStatus]StatusBehavior{
	StatusActive: {
		Status:            StatusActive,
		FeaturesAvailable: true,
		Description:       "Normal operation, all plan capabilities enabled.",
	},
	StatusTrialing: {
		Status:            StatusTrialing,
		FeaturesAvailable: true,
		Description:       "Full capabilities with trial expiry timer.",
	},
	StatusPastDue: {
		Status:            StatusPastDue,
		FeaturesAvailable: true,
		ShowWarning:       true,
		Description:       "Payment overdue; capabilities preserved with warning.",
	},
	StatusCancelled: {
		Status:            StatusCancelled,
		FeaturesAvailable: false,
		ShowWarning:       true,
		Description:       "Subscription cancelled; paid capabilities revoked.",
	},
	StatusOfflineGrace: {
		Status:            StatusOfflineGrace,
		FeaturesAvailable: true,
		ShowWarning:       true,
		Description:       "Running offline on a previously validated license.",
	},
}

// Behavior returns the behavior rules for the given status. Unknown statuses
// get cancelled behavior so an unrecognized server state fails closed.
func Behavior(status SubscriptionStatus) StatusBehavior {
	if b, ok := StatusBehaviors[status]; ok {
		return b
	}
	return StatusBehaviors[StatusCancelled]
}
