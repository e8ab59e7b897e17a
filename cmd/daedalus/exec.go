package main

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"
	sdkerrors "github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/message"
	"github.com/wehubfusion/Daedalus/pkg/storage"
	"go.uber.org/zap"
)

var execCmd = &cobra.Command{
	Use:   "exec <node.yaml>",
	Short: "Execute a single node and print its result",
	Long:  "Execute the node described by a YAML or JSON file and print the execution result as JSON.",
	Args:  cobra.ExactArgs(1),
	RunE:  runExec,
}

func init() {
	execCmd.Flags().String("input", "", "YAML or JSON file merged over the file's input")
	execCmd.Flags().String("variables", "", "YAML or JSON file merged over the file's variables")
	execCmd.Flags().Duration("timeout", time.Minute, "Execution timeout")
	execCmd.Flags().Bool("fail", false, "Exit non-zero when the node fails")

	rootCmd.AddCommand(execCmd)
}

func runExec(cmd *cobra.Command, args []string) (err error) {
	inputFile, _ := cmd.Flags().GetString("input")
	variablesFile, _ := cmd.Flags().GetString("variables")
	timeout, _ := cmd.Flags().GetDuration("timeout")
	failOnError, _ := cmd.Flags().GetBool("fail")

	file, err := readNodeFile(args[0])
	if err != nil {
		return err
	}
	input, err := readValues(inputFile)
	if err != nil {
		return err
	}
	variables, err := readValues(variablesFile)
	if err != nil {
		return err
	}
	file.Input = merge(file.Input, input)
	file.Variables = merge(file.Variables, variables)

	a, err := newApp(cmd.Context(), appOptions{service: "daedalus-exec", connect: true})
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := a.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}()

	req := file.request()
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	start := time.Now()
	output, execErr := a.executor.Execute(ctx, req.Node, req.ExecutionContext())
	duration := time.Since(start)

	res := message.NewExecutionResult(req, message.StatusSuccess).WithExecutionTime(duration)
	var errInfo *storage.NodeResultError
	if execErr != nil {
		res.WithError(&message.ResultError{
			Code:      sdkerrors.Code(execErr),
			Message:   execErr.Error(),
			Type:      sdkerrors.CauseTypeName(execErr),
			Retryable: sdkerrors.IsRetryable(execErr),
		}).WithPartial(sdkerrors.PartialResult(execErr))
		errInfo = &storage.NodeResultError{
			Code:      res.Error.Code,
			Message:   res.Error.Message,
			Type:      res.Error.Type,
			Retryable: res.Error.Retryable,
		}
	} else {
		data, err := json.Marshal(output)
		if err != nil {
			return fmt.Errorf("node output is not serializable: %w", err)
		}
		res.WithOutput(data)
	}

	if a.results != nil && req.WorkflowID != "" {
		ref, err := a.results.AppendNodeResult(cmd.Context(), req.WorkflowID, req.ExecutionID, req.Node.ID,
			storage.NewNodeResult(req.Node.ID, string(req.Node.Type), duration, output, errInfo))
		if err != nil {
			a.logger.Warn("Failed to record node result", zap.Error(err))
		} else {
			a.logger.Info("Recorded node result", zap.String("reference", ref))
		}
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(res); err != nil {
		return err
	}
	if failOnError && execErr != nil {
		return fmt.Errorf("node %s failed: %s", req.Node.ID, res.Error.Code)
	}
	return nil
}

func merge(dst, src map[string]interface{}) map[string]interface{} {
	if len(src) == 0 {
		return dst
	}
	if dst == nil {
		dst = make(map[string]interface{}, len(src))
	}
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
