package eventmesh

// LocalTransport delivers events to receivers in this process only. It is
// the transport of a single-node deployment and of tests.
type LocalTransport struct {
	receivers *receiverRegistry
}

func NewLocalTransport() *LocalTransport {
	return &LocalTransport{receivers: newReceiverRegistry()}
}

func (t *LocalTransport) SendEvent(topicID string, env Envelope, _ ...SendOption) error {
	if err := ValidateTopicID(topicID); err != nil {
		return err
	}
	t.receivers.fanOut(topicID, env)
	return nil
}

func (t *LocalTransport) SubscribeTopic(topicID string, r Receiver) error {
	return t.receivers.subscribe(topicID, r)
}

func (t *LocalTransport) UnsubscribeTopic(topicID string, r Receiver) error {
	return t.receivers.unsubscribe(topicID, r)
}

// Topics returns the topic ids with receivers.
func (t *LocalTransport) Topics() []string { return t.receivers.topicIDs() }
