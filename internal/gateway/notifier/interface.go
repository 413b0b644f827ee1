package notifier

import "context"

// TextNotifier 是最小的文本推送接口，具体实现见 Telegram。
type TextNotifier interface {
	SendText(ctx context.Context, text string) error
}
