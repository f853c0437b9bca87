/*
Package wire defines the messages nodes exchange to synchronize event and
barrier state, and their binary encoding.

Three event messages (subscribe, trigger, update) and three barrier messages
(adjust, subscribe, trigger) travel inside an Envelope that records the sender
node. Encoding is protobuf wire format assembled with encoding/protowire;
unknown fields are skipped on decode so nodes can be upgraded one at a time.
*/
package wire
