// Package stream 提供执行事件的多模式分发（values / updates / messages /
// custom / checkpoints / tasks / debug），将执行内部与界面、日志、调试等消费方解耦。
package stream
