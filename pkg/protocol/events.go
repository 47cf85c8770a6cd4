package protocol

// Topics the node publishes. Subscriptions may narrow a topic with a
// parameter (e.g. a market code or trade id).
const (
	TopicMarketPrice       = "MARKET_PRICE"
	TopicNumOffers         = "NUM_OFFERS"
	TopicNumUserProfiles   = "NUM_USER_PROFILES"
	TopicOffers            = "OFFERS"
	TopicTrades            = "TRADES"
	TopicTradeProperties   = "TRADE_PROPERTIES"
	TopicTradeChatMessages = "TRADE_CHAT_MESSAGES"
	TopicChatReactions     = "CHAT_REACTIONS"
	TopicReputation        = "REPUTATION"
)

// KnownTopics lists the topics above in a stable order.
var KnownTopics = []string{
	TopicMarketPrice,
	TopicNumOffers,
	TopicNumUserProfiles,
	TopicOffers,
	TopicTrades,
	TopicTradeProperties,
	TopicTradeChatMessages,
	TopicChatReactions,
	TopicReputation,
}
