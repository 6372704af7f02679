// Package fanout contains the notification fan-out coordinator and the
// event-to-message composer.
package fanout

import (
	"fmt"

	"github.com/tinywideclouds/go-platform/pkg/notification/v1"

	"github.com/tinywideclouds/werd-notification-service/pkg/notify"
)

// appTitle is the fixed notification title, matching the PWA service worker.
const appTitle = "الْوِرْدُ الْقُرْآنِيُّ"

// Compose maps a group event onto its localized push content. Pure; the
// switch is exhaustive over the event enum so adding an event type is a
// compile-visible change here.
func Compose(ev notify.Event) (notification.NotificationContent, error) {
	if err := ev.Validate(); err != nil {
		return notification.NotificationContent{}, err
	}
	if ev.GroupName == "" {
		return notification.NotificationContent{}, fmt.Errorf("%w: missing group name", notify.ErrValidation)
	}

	var body string
	switch ev.Type {
	case notify.EventGoal:
		body = fmt.Sprintf("🎉 %s أتمّ الهدف في %s!", ev.ActorName, ev.GroupName)
	case notify.EventTasbeehGoal:
		body = fmt.Sprintf("📿 %s أتمّ هدف التسبيح في %s!", ev.ActorName, ev.GroupName)
	case notify.EventJoin:
		body = fmt.Sprintf("👋 %s انضم إلى %s", ev.ActorName, ev.GroupName)
	case notify.EventLeave:
		body = fmt.Sprintf("%s غادر %s 👋", ev.ActorName, ev.GroupName)
	case notify.EventDailyReminder:
		// Reminders are composed per user from goal progress, not from a
		// group event.
		return notification.NotificationContent{}, fmt.Errorf("%w: reminders are composed via ComposeReminder", notify.ErrValidation)
	default:
		return notification.NotificationContent{}, fmt.Errorf("%w: unhandled event type %s", notify.ErrValidation, ev.Type)
	}

	return notification.NotificationContent{Title: appTitle, Body: body}, nil
}

// ComposeReminder builds the one consolidated reminder a user receives for
// all groups in which today's goal is unmet: a named message for a single
// group, a count for several.
func ComposeReminder(groups []notify.GroupProgress) (notification.NotificationContent, error) {
	switch len(groups) {
	case 0:
		return notification.NotificationContent{}, fmt.Errorf("%w: no outstanding groups", notify.ErrValidation)
	case 1:
		return notification.NotificationContent{
			Title: appTitle,
			Body:  fmt.Sprintf("📖 باقي عليك %d في %s، لا تنسَ وردك!", groups[0].Remaining, groups[0].GroupName),
		}, nil
	default:
		return notification.NotificationContent{
			Title: appTitle,
			Body:  fmt.Sprintf("📖 لم تكمل وردك في %d مجموعات، لا تنسَ القراءة!", len(groups)),
		}, nil
	}
}

// ComposeGoalEmail builds the subject and inner HTML line for the goal
// congratulation email; the email dispatcher owns the surrounding layout.
func ComposeGoalEmail(ev notify.Event) notification.NotificationContent {
	return notification.NotificationContent{
		Title: fmt.Sprintf("🎉 %s أتمّ الهدف اليوم في مجموعة %s", ev.ActorName, ev.GroupName),
		Body:  fmt.Sprintf("<strong>%s</strong> أتمّ هدفه اليومي في مجموعة <strong>%s</strong>!", ev.ActorName, ev.GroupName),
	}
}
